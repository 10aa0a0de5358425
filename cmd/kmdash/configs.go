package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/kmdash/core"
	"pkt.systems/kmdash/internal/logx"
	"pkt.systems/kmdash/schema"
)

func newConfigsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "configs",
		Short: "List stored pipeline configs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connect(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			configs, err := a.engine.ListConfigs(cmd.Context())
			if err != nil {
				return err
			}
			return printLines(cmd.OutOrStdout(), a.plain.FormatConfigs(configs))
		},
	}
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and edit a pipeline config",
	}
	cmd.AddCommand(newConfigShowCmd(flags))
	cmd.AddCommand(newConfigCreateCmd(flags))
	cmd.AddCommand(newConfigDeleteCmd(flags))
	cmd.AddCommand(newConfigDeactivateCmd(flags))
	cmd.AddCommand(newConfigSetStageCmd(flags))
	cmd.AddCommand(newConfigRestoreDefaultsCmd(flags))
	return cmd
}

func newConfigShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <config-id>",
		Short: "Show a config's stages and settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConfigID(args[0])
			if err != nil {
				return err
			}
			a, err := connect(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			detail, err := a.engine.GetConfig(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printLines(cmd.OutOrStdout(), a.plain.FormatConfigDetail(detail))
		},
	}
}

func newConfigCreateCmd(flags *globalFlags) *cobra.Command {
	var typ string
	var from string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a config from the engine defaults or another config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connect(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			var content schema.PipelineConfig
			if from != "" {
				source, err := parseConfigID(from)
				if err != nil {
					return err
				}
				detail, err := a.engine.GetConfig(ctx, source)
				if err != nil {
					return err
				}
				content = detail.Content
			} else {
				info, err := a.engine.CreationInfo(ctx)
				if err != nil {
					return err
				}
				content = info.DefaultConfig
			}
			id, err := a.engine.CreateConfig(ctx, args[0], schema.ConfigType(typ), content)
			if err != nil {
				return err
			}
			logx.WithConfig(ctx, id).Info("config created", "name", args[0])
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(schema.ConfigTypeCalculation), "config type")
	cmd.Flags().StringVar(&from, "from", "", "copy stages from this config")
	return cmd
}

func newConfigDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <config-id>",
		Short: "Delete a config and its calculations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConfigID(args[0])
			if err != nil {
				return err
			}
			configContext(cmd, id)
			a, err := connect(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.engine.DeleteConfig(cmd.Context(), id); err != nil {
				return err
			}
			logx.WithConfig(cmd.Context(), id).Info("config deleted")
			return nil
		},
	}
}

func newConfigDeactivateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <config-id>",
		Short: "Close a config's pipeline kernel on the engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConfigID(args[0])
			if err != nil {
				return err
			}
			a, err := connect(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			message, err := a.engine.CloseConfig(cmd.Context(), id)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), message)
			return err
		},
	}
}

func newConfigSetStageCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set-stage <config-id> <stage> <script-path> [key=value...]",
		Short: "Select a stage script and its settings",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConfigID(args[0])
			if err != nil {
				return err
			}
			settings, err := parseSettings(args[3:])
			if err != nil {
				return err
			}
			a, err := connect(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			sync := core.NewConfigSync(a.engine, a.log)
			if err := sync.Load(ctx, id); err != nil {
				return err
			}
			stage, ok := sync.Form().Stage(args[1])
			if !ok {
				return fmt.Errorf("%w: unknown stage %q", schema.ErrInvalidRequest, args[1])
			}
			stage.Path = args[2]
			if len(settings) > 0 {
				stage.Settings = settings
			}
			if err := sync.SetStage(ctx, args[1], stage); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[1], stage.Path)
			return err
		},
	}
}

func newConfigRestoreDefaultsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restore-defaults <config-id>",
		Short: "Reset a config to the engine's default stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConfigID(args[0])
			if err != nil {
				return err
			}
			a, err := connect(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			sync := core.NewConfigSync(a.engine, a.log)
			if err := sync.Load(ctx, id); err != nil {
				return err
			}
			if err := sync.RestoreDefaults(ctx); err != nil {
				return err
			}
			// Saving the restored form is an explicit user action.
			return sync.Input(ctx, sync.Form())
		},
	}
}

// parseSettings decodes key=value pairs; values are YAML scalars.
func parseSettings(pairs []string) (map[string]any, error) {
	settings := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: setting %q is not key=value", schema.ErrInvalidRequest, pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("setting %s: %w", key, err)
		}
		settings[key] = value
	}
	return settings, nil
}

func newPipelinesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pipelines",
		Short: "List configs with an active pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connect(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			ids, err := a.engine.ActivePipelines(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), id); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newScriptsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scripts",
		Short: "List registered stage scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connect(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			names, err := a.engine.ListScripts(cmd.Context())
			if err != nil {
				return err
			}
			return printLines(cmd.OutOrStdout(), names)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Unregister a stage script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connect(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			message, err := a.engine.DeleteScript(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), message)
			return err
		},
	})
	return cmd
}
