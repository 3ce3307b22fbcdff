package main

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/pagetweak/internal/config"
)

// --- targets ---

type targetView struct {
	Key      string   `json:"key"`
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Previews []string `json:"previews"`
	Busy     bool     `json:"busy"`
}

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Open, list and close browser targets",
}

var targetsOpenCmd = &cobra.Command{
	Use:   "open <url>",
	Short: "Open a page in a new browser tab",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/targets", map[string]string{"url": args[0]})
		if err != nil {
			return err
		}
		var t targetView
		if err := decodeJSON(resp, &t); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), t.Key)
		printSuccess("Opened %s", t.URL)
		if len(t.Previews) > 0 {
			printStep("Auto-applied %d stored script(s)", len(t.Previews))
		}
		return nil
	},
}

var targetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/targets")
		if err != nil {
			return err
		}
		var targets []targetView
		if err := decodeJSON(resp, &targets); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(targets) == 0 {
			fmt.Fprintln(out, "No open targets.")
			return nil
		}
		for _, t := range targets {
			busy := ""
			if t.Busy {
				busy = colorize(colorYellow, " (generating)")
			}
			fmt.Fprintf(out, "%s  %s  %d preview(s)%s\n", colorize(colorCyan, t.Key), t.URL, len(t.Previews), busy)
		}
		return nil
	},
}

var targetsCloseCmd = &cobra.Command{
	Use:   "close <target>",
	Short: "Close a target and revoke its previews",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/v1/targets/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Closed %s", args[0])
		return nil
	},
}

func init() {
	targetsCmd.AddCommand(targetsOpenCmd, targetsListCmd, targetsCloseCmd)
}

// --- generate ---

type generateView struct {
	Script       scriptView `json:"script"`
	Warnings     []string   `json:"warnings"`
	FinishReason string     `json:"finishReason"`
	Applied      bool       `json:"applied"`
	PreviewError string     `json:"previewError"`
}

var generateCmd = &cobra.Command{
	Use:   "generate <target> <prompt...>",
	Short: "Generate a script for a target page",
	Long: `Generate a script for a target page.

Examples:
  pagetweak generate 3f2c... "hide the cookie banner" --selector "#cookie-banner" --apply
  pagetweak generate 3f2c... "make it blue instead" --script 91ab...`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, err := ensureArgs(args[1:], "prompt")
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		selector, _ := flags.GetString("selector")
		scriptID, _ := flags.GetString("script")
		apply, _ := flags.GetBool("apply")
		format, _ := flags.GetString("format")
		asJSON, _ := flags.GetBool("json")

		req := map[string]any{"prompt": prompt, "apply": apply}
		if selector != "" {
			req["selector"] = selector
		}
		if scriptID != "" {
			req["scriptId"] = scriptID
		}
		if format != "" {
			req["responseFormat"] = format
		}
		if flags.Changed("temperature") {
			t, _ := flags.GetFloat64("temperature")
			req["temperature"] = t
		}
		if flags.Changed("max-tokens") {
			n, _ := flags.GetInt("max-tokens")
			req["maxOutputTokens"] = n
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/targets/"+url.PathEscape(args[0])+"/generate", req)
		if err != nil {
			return err
		}
		var res generateView
		if err := decodeJSON(resp, &res); err != nil {
			var se *serverError
			if errors.As(err, &se) {
				for _, w := range se.Warnings {
					printWarning("%s", w)
				}
			}
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			return writeIndented(out, res)
		}
		for _, w := range res.Warnings {
			printWarning("%s", w)
		}
		writeScriptCode(out, res.Script)
		switch {
		case res.Applied:
			printSuccess("Generated and applied %s", res.Script.ID)
		case res.PreviewError != "":
			printError("Generated %s but the preview failed: %s", res.Script.ID, res.PreviewError)
		default:
			printSuccess("Generated %s", res.Script.ID)
		}
		return nil
	},
}

func init() {
	f := generateCmd.Flags()
	f.String("selector", "", "CSS selector of the element to change")
	f.String("script", "", "continue the conversation of an existing script")
	f.Bool("apply", false, "preview the script on the target right away")
	f.String("format", "", "response format: json (default) or text")
	f.Float64("temperature", 0.2, "sampling temperature (defaults to model.temperature)")
	f.Int("max-tokens", 0, "maximum output tokens (defaults to model.max_output_tokens)")
	f.Bool("json", false, "print the raw result as JSON")
}

// --- cancel / preview / revoke ---

var cancelCmd = &cobra.Command{
	Use:   "cancel <target>",
	Short: "Cancel the generation in flight on a target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/targets/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Cancelled generation on %s", args[0])
		return nil
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview <target> <script>",
	Short: "Apply a stored script to a target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/v1/targets/%s/previews/%s", url.PathEscape(args[0]), url.PathEscape(args[1]))
		resp, err := client.put(cmd.Context(), path)
		if err != nil {
			return err
		}
		var s scriptView
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		printSuccess("Applied %s (%s)", s.ID, s.Status)
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <target> [script]",
	Short: "Remove a preview from a target, or all previews when no script is given",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/v1/targets/" + url.PathEscape(args[0]) + "/previews"
		if len(args) == 2 {
			path += "/" + url.PathEscape(args[1])
		}
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		if len(args) == 2 {
			printSuccess("Revoked %s", args[1])
		} else {
			printSuccess("Revoked all previews on %s", args[0])
		}
		return nil
	},
}

// --- scripts ---

var scriptsCmd = &cobra.Command{
	Use:   "scripts",
	Short: "Manage stored scripts",
}

var scriptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored scripts",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/v1/scripts"
		if status != "" {
			path += "?status=" + url.QueryEscape(status)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var scripts []scriptView
		if err := decodeJSON(resp, &scripts); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(scripts) == 0 {
			fmt.Fprintln(out, "No scripts found.")
			return nil
		}
		for _, s := range scripts {
			writeScriptRow(out, s)
		}
		return nil
	},
}

var scriptsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a stored script and its conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/scripts/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var detail struct {
			scriptView
			Turns []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
				Error   string `json:"error"`
			} `json:"turns"`
		}
		if err := decodeJSON(resp, &detail); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			return writeIndented(out, detail)
		}
		writeScriptCode(out, detail.scriptView)
		if len(detail.Turns) > 0 {
			fmt.Fprintf(out, "\n%s\n", colorize(colorBold, "Conversation"))
			for _, t := range detail.Turns {
				fmt.Fprintf(out, "  %s: %s\n", colorize(colorCyan, t.Role), oneLine(t.Content, 100))
				if t.Error != "" {
					fmt.Fprintf(out, "    %s\n", colorize(colorRed, oneLine(t.Error, 100)))
				}
			}
		}
		return nil
	},
}

var scriptsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a stored script",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/scripts/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

func init() {
	scriptsListCmd.Flags().String("status", "", "only list scripts with this status (pending, applied, failed)")
	scriptsShowCmd.Flags().Bool("json", false, "print the script as JSON")
	scriptsCmd.AddCommand(scriptsListCmd, scriptsShowCmd, scriptsRmCmd)
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models offered by the configured provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/models")
		if err != nil {
			return err
		}
		var list struct {
			Data []struct {
				ID      string `json:"id"`
				OwnedBy string `json:"owned_by"`
			} `json:"data"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(list.Data) == 0 {
			fmt.Fprintln(out, "No models reported.")
			return nil
		}
		for _, m := range list.Data {
			if m.OwnedBy != "" {
				fmt.Fprintf(out, "%s  (%s)\n", m.ID, m.OwnedBy)
			} else {
				fmt.Fprintln(out, m.ID)
			}
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		for _, key := range config.SecretKeys() {
			state := "not set"
			if secretSet(cfg, key) {
				state = "set"
			}
			fmt.Fprintf(out, "  %s = <%s>\n", colorize(colorBold, key), state)
		}
		return nil
	},
}

func secretSet(cfg config.Config, key string) bool {
	switch key {
	case "model.api_key":
		return cfg.Model.APIKey != ""
	case "server.auth_token":
		return cfg.Server.AuthToken != ""
	}
	return false
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> [value|-]",
	Short: "Store a secret (model.api_key, server.auth_token) in the secrets file",
	Long: `Store a secret in the secrets file.

Pass "-" or omit the value to read it from stdin, which keeps it out of
shell history.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		value := ""
		if len(args) == 2 && args[1] != "-" {
			value = args[1]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading secret from stdin: %w", err)
			}
			value = strings.TrimSpace(line)
		}
		if value == "" {
			return fmt.Errorf("secret value for %s is empty", key)
		}

		if err := config.SetSecret(key, value); err != nil {
			return err
		}
		printSuccess("Stored %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configSetSecretCmd)
}
