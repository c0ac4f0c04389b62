// Package clisurface builds a cobra command tree mechanically from the
// command registry (spec §6.4), the way hortator-ai-Hortator, kelos-dev-kelos,
// and evalgo-org-graphium all build their CLIs around spf13/cobra.
package clisurface

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskforge/engine/internal/command"
)

// Build constructs the root cobra command, with one subcommand per
// registered command plus the global --format/--mode flags (spec §6.4).
func Build(registry *command.Registry, version string) *cobra.Command {
	var format string

	root := &cobra.Command{
		Use:     "taskforge",
		Short:   "Lease-based task orchestration for ephemeral agents",
		Version: version,
	}
	root.PersistentFlags().StringVar(&format, "format", "human", "output format: human|json")
	root.PersistentFlags().String("mode", "cli", "server mode when run without a subcommand: rpc|http|cli")

	for _, cmd := range registry.All() {
		root.AddCommand(buildSubcommand(cmd, &format))
	}
	return root
}

func buildSubcommand(cmd *command.Command, format *string) *cobra.Command {
	sub := &cobra.Command{
		Use:   usageLine(cmd),
		Short: cmd.Description,
		RunE: func(c *cobra.Command, positional []string) error {
			args := command.Args{}
			positionalParams := positionalParameters(cmd)
			for i, p := range positionalParams {
				if i < len(positional) {
					args[p.Name] = expandFileArg(positional[i])
				}
			}
			for _, p := range cmd.Parameters {
				if p.Positional {
					continue
				}
				if v, err := c.Flags().GetString(p.Name); err == nil && c.Flags().Changed(p.Name) {
					args[p.Name] = expandFileArg(v)
				}
			}
			if err := cmd.Validate(args); err != nil {
				return printResult(&command.Result{Success: false, Error: err.Error()}, nil, *format)
			}
			cc := &command.Context{Ctx: context.Background(), AgentName: args.StringOr("agentName", "")}
			result, err := cmd.Handler(cc, args)
			if err != nil {
				_ = printResult(&command.Result{Success: false, Error: err.Error()}, args, *format)
				os.Exit(1)
				return nil
			}
			if *format != "json" && result.Success && cmd.FormatHuman != nil {
				fmt.Println(cmd.FormatHuman(result, args))
				return nil
			}
			if err := printResult(result, args, *format); err != nil {
				return err
			}
			if !result.Success {
				os.Exit(1)
			}
			return nil
		},
	}
	for _, p := range cmd.Parameters {
		if p.Positional {
			continue
		}
		def := ""
		if s, ok := p.Default.(string); ok {
			def = s
		}
		sub.Flags().String(p.Name, def, p.Description)
	}
	return sub
}

func usageLine(cmd *command.Command) string {
	var b strings.Builder
	b.WriteString(cmd.CLIName)
	for _, p := range positionalParameters(cmd) {
		if p.Required {
			fmt.Fprintf(&b, " <%s>", p.Name)
		} else {
			fmt.Fprintf(&b, " [%s]", p.Name)
		}
	}
	return b.String()
}

func positionalParameters(cmd *command.Command) []command.Parameter {
	var out []command.Parameter
	for _, p := range cmd.Parameters {
		if p.Positional {
			out = append(out, p)
		}
	}
	return out
}

// expandFileArg expands an "@path" argument into the file's contents, per
// spec §6.4.
func expandFileArg(v string) string {
	if !strings.HasPrefix(v, "@") {
		return v
	}
	content, err := os.ReadFile(v[1:])
	if err != nil {
		return v
	}
	return strings.TrimRight(string(content), "\n")
}

func printResult(result *command.Result, args command.Args, format string) error {
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	if !result.Success {
		fmt.Fprintln(os.Stderr, "error:", result.Error)
		return nil
	}
	fmt.Println(humanize(result.Data))
	return nil
}

func humanize(data any) string {
	switch v := data.(type) {
	case nil:
		return "ok"
	case string:
		return v
	case map[string]any:
		var parts []string
		for k, val := range v {
			parts = append(parts, k+"="+fmt.Sprint(val))
		}
		return strings.Join(parts, " ")
	default:
		body, _ := json.MarshalIndent(v, "", "  ")
		return string(body)
	}
}
