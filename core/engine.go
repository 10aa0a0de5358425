package core

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/kmdash/schema"
	"pkt.systems/kmdash/session"
)

// Engine issues typed commands to the pipeline engine over a shared client.
type Engine struct {
	client  *session.Client
	timeout time.Duration
}

// NewEngine wraps client. Each call is bounded by timeout when positive.
func NewEngine(client *session.Client, timeout time.Duration) *Engine {
	return &Engine{client: client, timeout: timeout}
}

// Client returns the underlying session client.
func (e *Engine) Client() *session.Client {
	return e.client
}

// call sends cmd and waits for its reply. Replies echoing the ref always
// match; match recognises replies from engines that do not echo it.
func (e *Engine) call(ctx context.Context, cmd schema.Command, args []any, match session.Predicate) (schema.Message, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if match == nil {
		match = session.MatchCommand(cmd)
	}
	match = session.Any(match, rejection(cmd, args))
	return e.client.Call(ctx, schema.Request{Command: cmd, Args: args}, session.WithMatch(match))
}

// rejection matches an untagged error reply to cmd. When the request names
// a config, the reply must echo it so concurrent calls for other configs
// never claim it.
func rejection(cmd schema.Command, args []any) session.Predicate {
	preds := []session.Predicate{
		session.MatchCommand(cmd),
		session.MatchStatus(schema.StatusError),
		session.MatchUntagged(),
	}
	if len(args) > 0 {
		if id, ok := args[0].(schema.ConfigID); ok {
			preds = append(preds, session.MatchField("config_id", string(id)))
		}
	}
	return session.All(preds...)
}

func decodeReply(cmd schema.Command, msg schema.Message, field string, v any) error {
	if !msg.Has(field) {
		return fmt.Errorf("%w: %s reply lacks %q", schema.ErrUnexpectedReply, cmd, field)
	}
	if err := msg.Decode(field, v); err != nil {
		return fmt.Errorf("%w: %s: %v", schema.ErrUnexpectedReply, cmd, err)
	}
	return nil
}

// ListConfigs returns every stored config.
func (e *Engine) ListConfigs(ctx context.Context) ([]schema.ConfigSummary, error) {
	msg, err := e.call(ctx, schema.CommandListConfigs, nil, session.Any(session.MatchCommand(schema.CommandListConfigs), session.MatchHas("configs")))
	if err != nil {
		return nil, err
	}
	var configs []schema.ConfigSummary
	if err := decodeReply(schema.CommandListConfigs, msg, "configs", &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// CreationInfo returns the stage registry and the default config.
func (e *Engine) CreationInfo(ctx context.Context) (schema.CreationInfo, error) {
	msg, err := e.call(ctx, schema.CommandCreationInfo, nil,
		session.Any(session.MatchCommand(schema.CommandCreationInfo),
			session.All(session.MatchHas("registry"), session.MatchHas("default_config"))))
	if err != nil {
		return schema.CreationInfo{}, err
	}
	var info schema.CreationInfo
	if err := decodeReply(schema.CommandCreationInfo, msg, "registry", &info.Registry); err != nil {
		return schema.CreationInfo{}, err
	}
	if err := decodeReply(schema.CommandCreationInfo, msg, "default_config", &info.DefaultConfig); err != nil {
		return schema.CreationInfo{}, err
	}
	return info, nil
}

// CreateConfig stores a new config and returns its id.
func (e *Engine) CreateConfig(ctx context.Context, name string, typ schema.ConfigType, content schema.PipelineConfig) (schema.ConfigID, error) {
	if name == "" {
		return "", fmt.Errorf("%w: config name is required", schema.ErrInvalidRequest)
	}
	msg, err := e.call(ctx, schema.CommandCreateConfig, []any{name, typ, content}, nil)
	if err != nil {
		return "", err
	}
	var id schema.ConfigID
	if err := decodeReply(schema.CommandCreateConfig, msg, "config_id", &id); err != nil {
		return "", err
	}
	return id, nil
}

// GetConfig fetches a stored config.
func (e *Engine) GetConfig(ctx context.Context, id schema.ConfigID) (schema.ConfigDetail, error) {
	msg, err := e.call(ctx, schema.CommandGetConfig, []any{id},
		session.All(session.MatchField("config_id", string(id)),
			session.Any(session.MatchCommand(schema.CommandGetConfig), session.MatchHas("config"))))
	if err != nil {
		return schema.ConfigDetail{}, err
	}
	var detail schema.ConfigDetail
	if err := decodeReply(schema.CommandGetConfig, msg, "config", &detail); err != nil {
		return schema.ConfigDetail{}, err
	}
	return detail, nil
}

// UpdateConfig overwrites a stored config's content.
func (e *Engine) UpdateConfig(ctx context.Context, id schema.ConfigID, content schema.PipelineConfig) error {
	_, err := e.call(ctx, schema.CommandUpdateConfig, []any{id, content},
		session.All(session.MatchField("config_id", string(id)),
			session.Any(session.MatchCommand(schema.CommandUpdateConfig), session.MatchHas("updated_at"))))
	return err
}

// DeleteConfig removes a stored config.
func (e *Engine) DeleteConfig(ctx context.Context, id schema.ConfigID) error {
	_, err := e.call(ctx, schema.CommandDeleteConfig, []any{id}, session.MatchField("deleted_id", string(id)))
	return err
}

// CloseConfig stops the config's pipeline kernel and returns the engine's
// message.
func (e *Engine) CloseConfig(ctx context.Context, id schema.ConfigID) (string, error) {
	msg, err := e.call(ctx, schema.CommandClose, []any{id}, session.MatchField("closed_id", string(id)))
	if err != nil {
		return "", err
	}
	return msg.Message, nil
}

// ActivePipelines lists configs with a live pipeline kernel.
func (e *Engine) ActivePipelines(ctx context.Context) ([]schema.ConfigID, error) {
	msg, err := e.call(ctx, schema.CommandUpdate, nil, session.Any(session.MatchCommand(schema.CommandUpdate), session.MatchHas("pipelines")))
	if err != nil {
		return nil, err
	}
	var ids []schema.ConfigID
	if err := decodeReply(schema.CommandUpdate, msg, "pipelines", &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// ListCalculations returns the stored runs of a config.
func (e *Engine) ListCalculations(ctx context.Context, id schema.ConfigID) ([]schema.Calculation, error) {
	msg, err := e.call(ctx, schema.CommandListCalculations, []any{id},
		session.All(session.MatchField("config_id", string(id)),
			session.Any(session.MatchCommand(schema.CommandListCalculations), session.MatchHas("calculations"))))
	if err != nil {
		return nil, err
	}
	var calcs []schema.Calculation
	if err := decodeReply(schema.CommandListCalculations, msg, "calculations", &calcs); err != nil {
		return nil, err
	}
	return calcs, nil
}

// ListScripts returns the names of registered stage scripts.
func (e *Engine) ListScripts(ctx context.Context) ([]string, error) {
	msg, err := e.call(ctx, schema.CommandListScripts, nil, session.Any(session.MatchCommand(schema.CommandListScripts), session.MatchHas("visible")))
	if err != nil {
		return nil, err
	}
	var names []string
	if err := decodeReply(schema.CommandListScripts, msg, "visible", &names); err != nil {
		return nil, err
	}
	return names, nil
}

// DeleteScript removes a registered stage script.
func (e *Engine) DeleteScript(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: script name is required", schema.ErrInvalidRequest)
	}
	msg, err := e.call(ctx, schema.CommandDeleteScript, []any{name}, nil)
	if err != nil {
		return "", err
	}
	return msg.Message, nil
}
