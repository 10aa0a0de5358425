// Package mockengine is an in-memory stand-in for the pipeline engine. It
// speaks the engine's websocket protocol and streams scripted run output.
package mockengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"pkt.systems/kmdash/schema"
	"pkt.systems/pslog"
)

// FailQuery makes a run emit some output and conclude with an error.
const FailQuery = "fail"

// DropQuery makes a run emit its first fragment and then drop the
// connection without concluding.
const DropQuery = "drop"

const greeting = "Available commands: update, close, run, config, get_config, update_config, delete_config, list_configs, config_creation_info, list_calculations, list_scripts, delete_script"

// Options configures a Server.
type Options struct {
	// OutputDelay spaces streamed output fragments.
	OutputDelay time.Duration
	// OmitRefs drops the ref from replies, as engines that predate
	// correlation tokens do.
	OmitRefs bool
	Logger   pslog.Logger
}

// Server serves the engine protocol over websockets.
type Server struct {
	store *Store
	opts  Options
	log   pslog.Logger
}

// New constructs a server over a fresh store.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Server{store: NewStore(), opts: opts, log: logger}
}

// Store exposes the server's state.
func (s *Server) Store() *Store {
	return s.store
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mock engine listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()
	s.log.Info("mock engine listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("mock engine serve: %w", err)
	}
	return nil
}

// ServeHTTP upgrades the request and runs one engine session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionDisabled,
	})
	if err != nil {
		s.log.Warn("mock engine accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	ctx, cancel := context.WithCancel(r.Context())
	sess := &engineSession{server: s, conn: conn, log: s.log.With("remote", r.RemoteAddr)}
	sess.serve(ctx)
	cancel()
	sess.runs.Wait()
}

type inbound struct {
	Command schema.Command    `json:"command"`
	Args    []json.RawMessage `json:"args"`
	Ref     string            `json:"ref"`
}

type engineSession struct {
	server *Server
	conn   *websocket.Conn
	log    pslog.Logger
	runs   sync.WaitGroup
}

func (e *engineSession) serve(ctx context.Context) {
	e.log.Debug("mock engine session open")
	_ = e.send(ctx, map[string]any{"status": schema.StatusConnected, "output": greeting})
	for {
		typ, data, err := e.conn.Read(ctx)
		if err != nil {
			e.log.Debug("mock engine session closed", "err", err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var req inbound
		if err := json.Unmarshal(data, &req); err != nil {
			_ = e.send(ctx, map[string]any{"status": schema.StatusError, "message": "No data received"})
			continue
		}
		e.log.Trace("mock engine request", "command", req.Command, "ref", req.Ref)
		if req.Command == schema.CommandRun {
			e.runs.Add(1)
			go func() {
				defer e.runs.Done()
				e.run(ctx, req)
			}()
			continue
		}
		e.handle(ctx, req)
	}
}

func (e *engineSession) send(ctx context.Context, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return e.conn.Write(ctx, websocket.MessageText, data)
}

func (e *engineSession) reply(ctx context.Context, req inbound, payload map[string]any) {
	if _, ok := payload["status"]; !ok {
		payload["status"] = schema.StatusOK
	}
	payload["command"] = req.Command
	if req.Ref != "" && !e.server.opts.OmitRefs {
		payload["ref"] = req.Ref
	}
	if err := e.send(ctx, payload); err != nil {
		e.log.Debug("mock engine reply failed", "command", req.Command, "err", err)
	}
}

func (e *engineSession) fail(ctx context.Context, req inbound, message string) {
	e.reply(ctx, req, map[string]any{"status": schema.StatusError, "message": message})
}

// failConfig rejects a request about one config, echoing its id.
func (e *engineSession) failConfig(ctx context.Context, req inbound, id schema.ConfigID, message string) {
	e.reply(ctx, req, map[string]any{"status": schema.StatusError, "config_id": id, "message": message})
}

func (e *engineSession) handle(ctx context.Context, req inbound) {
	store := e.server.store
	switch req.Command {
	case schema.CommandUpdate:
		e.reply(ctx, req, map[string]any{"pipelines": store.Active()})
	case schema.CommandClose:
		id, ok := argConfigID(req.Args, 0)
		if !ok {
			e.fail(ctx, req, "No config_id provided")
			return
		}
		msg := fmt.Sprintf("Pipeline %s closed", id)
		if !store.Deactivate(id) {
			msg = fmt.Sprintf("Pipeline %s was not running", id)
		}
		e.reply(ctx, req, map[string]any{"closed_id": id, "message": msg})
	case schema.CommandCreateConfig:
		if len(req.Args) < 3 {
			e.fail(ctx, req, "Arguments required: name, type, content")
			return
		}
		name, _ := argString(req.Args, 0)
		typ, _ := argString(req.Args, 1)
		var content schema.PipelineConfig
		if err := json.Unmarshal(req.Args[2], &content); err != nil {
			e.fail(ctx, req, "Failed to create config: "+err.Error())
			return
		}
		id, err := store.CreateConfig(name, schema.ConfigType(typ), content)
		if err != nil {
			e.fail(ctx, req, "Failed to create config: "+err.Error())
			return
		}
		e.reply(ctx, req, map[string]any{"config_id": id, "message": fmt.Sprintf("Config '%s' created", name)})
	case schema.CommandGetConfig:
		id, ok := argConfigID(req.Args, 0)
		if !ok {
			e.fail(ctx, req, "No config_id provided")
			return
		}
		detail, found := store.Config(id)
		if !found {
			e.failConfig(ctx, req, id, fmt.Sprintf("Config %s not found", id))
			return
		}
		e.reply(ctx, req, map[string]any{"config_id": id, "config": detail})
	case schema.CommandUpdateConfig:
		id, ok := argConfigID(req.Args, 0)
		if !ok || len(req.Args) < 2 {
			e.fail(ctx, req, "Arguments required: config_id, content")
			return
		}
		var content schema.PipelineConfig
		if err := json.Unmarshal(req.Args[1], &content); err != nil {
			e.failConfig(ctx, req, id, "Failed to update config: "+err.Error())
			return
		}
		at, found := store.UpdateConfig(id, content)
		if !found {
			e.failConfig(ctx, req, id, fmt.Sprintf("Config %s not found", id))
			return
		}
		e.reply(ctx, req, map[string]any{"config_id": id, "updated_at": at})
	case schema.CommandDeleteConfig:
		id, ok := argConfigID(req.Args, 0)
		if !ok {
			e.fail(ctx, req, "No config_id provided")
			return
		}
		if !store.DeleteConfig(id) {
			e.failConfig(ctx, req, id, fmt.Sprintf("Config %s not found", id))
			return
		}
		e.reply(ctx, req, map[string]any{"deleted_id": id})
	case schema.CommandListConfigs:
		e.reply(ctx, req, map[string]any{"configs": store.Configs()})
	case schema.CommandCreationInfo:
		info := store.CreationInfo()
		e.reply(ctx, req, map[string]any{"registry": info.Registry, "default_config": info.DefaultConfig})
	case schema.CommandListCalculations:
		id, ok := argConfigID(req.Args, 0)
		if !ok {
			e.fail(ctx, req, "No config_id provided")
			return
		}
		e.reply(ctx, req, map[string]any{"config_id": id, "calculations": store.Calculations(id)})
	case schema.CommandListScripts:
		e.reply(ctx, req, map[string]any{"visible": store.Scripts()})
	case schema.CommandDeleteScript:
		name, ok := argString(req.Args, 0)
		if !ok || !store.DeleteScript(name) {
			e.fail(ctx, req, fmt.Sprintf("Script %q not found", name))
			return
		}
		e.reply(ctx, req, map[string]any{"message": fmt.Sprintf("Script %s deleted", name)})
	default:
		e.fail(ctx, req, "Unknown command")
	}
}

// run streams scripted output tagged [config, seq] and concludes the run.
// The seq is the client's when supplied, else the calculation id.
func (e *engineSession) run(ctx context.Context, req inbound) {
	store := e.server.store
	id, ok := argConfigID(req.Args, 0)
	indexer, _ := argString(req.Args, 1)
	query, _ := argString(req.Args, 2)
	if !ok {
		e.fail(ctx, req, "config_id, indexer and path_or_query required")
		return
	}
	if strings.TrimSpace(query) == "" {
		e.failConfig(ctx, req, id, "config_id, indexer and path_or_query required")
		return
	}
	detail, found := store.Config(id)
	if !found {
		e.failConfig(ctx, req, id, fmt.Sprintf("Config %s not found", id))
		return
	}
	calc := store.StartCalculation(id, query)
	seq := calc
	if len(req.Args) > 3 {
		var client schema.RunSeq
		if err := json.Unmarshal(req.Args[3], &client); err == nil && client != 0 {
			seq = client
		}
	}
	store.Activate(id)
	log := e.log.With("config", id, "run", seq)
	log.Debug("mock engine run start", "indexer", indexer)

	var transcript strings.Builder
	status := schema.StatusOK
	message := "Execution finished"
	for _, fragment := range script(detail, indexer == "true", query) {
		if err := e.pause(ctx); err != nil {
			return
		}
		transcript.WriteString(fragment)
		if err := e.send(ctx, map[string]any{"status": schema.StatusOutput, "from": schema.From{ConfigID: id, Seq: seq}, "output": fragment}); err != nil {
			log.Debug("mock engine output failed", "err", err)
			return
		}
		if query == DropQuery {
			log.Debug("mock engine dropping connection")
			_ = e.conn.CloseNow()
			return
		}
	}
	if query == FailQuery {
		status = schema.StatusError
		message = "pipeline failed: generator raised RuntimeError"
	}
	store.FinishCalculation(calc, status, transcript.String())
	if err := e.pause(ctx); err != nil {
		return
	}
	e.reply(ctx, req, map[string]any{"status": status, "from": schema.From{ConfigID: id, Seq: seq}, "message": message})
	log.Debug("mock engine run done", "status", status)
}

func (e *engineSession) pause(ctx context.Context) error {
	delay := e.server.opts.OutputDelay
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// script renders the run's output the way a pipeline kernel prints it:
// colored stage banners, carriage-return progress and split lines.
func script(detail schema.ConfigDetail, indexer bool, query string) []string {
	const (
		bold  = "\x1b[1m"
		green = "\x1b[32m"
		red   = "\x1b[31m"
		reset = "\x1b[0m"
	)
	out := []string{bold + "Loading pipeline " + detail.Name + reset + "\n"}
	if indexer {
		out = append(out,
			"Indexing "+query+" with "+detail.Content.Indexer.Path+"\n",
			"\r  0%",
			"\r 50%",
			"\r100%\n",
		)
	} else {
		out = append(out,
			"Retrieving with "+detail.Content.Retriever.Path+"\n",
			"Query: ",
			query+"\n",
		)
	}
	if query == FailQuery {
		return append(out, red+"Traceback (most recent call last):"+reset+"\n", "RuntimeError: generator raised\n")
	}
	if indexer {
		return append(out, green+"Indexed documents."+reset+"\n")
	}
	return append(out, "Answer: ", green+"42"+reset, "\n")
}

func argString(args []json.RawMessage, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	var id schema.ConfigID
	if err := json.Unmarshal(args[i], &id); err == nil {
		return string(id), id != ""
	}
	var b bool
	if err := json.Unmarshal(args[i], &b); err == nil {
		if b {
			return "true", true
		}
		return "false", true
	}
	return "", false
}

func argConfigID(args []json.RawMessage, i int) (schema.ConfigID, bool) {
	raw, ok := argString(args, i)
	if !ok {
		return "", false
	}
	id, err := schema.NormalizeConfigID(raw)
	return id, err == nil
}
