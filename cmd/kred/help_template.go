// help_template.go customizes Cobra's help template so kred commands share
// concise, consistently headed flag sections.
package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

const localFlagsHeadingKey = "localFlagsHeading"

const commandHelpTemplate = `{{with or .Long .Short}}{{. | trimTrailingWhitespaces}}{{end}}

Usage:
  {{.UseLine}}

{{if .HasAvailableSubCommands}}Subcommands:
{{range .Commands}}{{if (and .IsAvailableCommand (ne .Name "help"))}}  {{rpad .Name .NamePadding}} {{.Short}}
{{end}}{{end}}
{{end}}

{{- $local := "Command Flags" -}}
{{- if .Annotations -}}
  {{- with index .Annotations "localFlagsHeading" -}}
    {{- $local = . -}}
  {{- end -}}
{{- end -}}
{{$local}}:
{{if .HasAvailableFlags}}{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{else}}  (none){{end}}

{{if .HasAvailableInheritedFlags}}Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}
{{end}}{{if .HasExample}}Examples:
{{.Example}}
{{end}}`

func decorateCommandHelp(cmd *cobra.Command, heading string) {
	if strings.TrimSpace(heading) == "" {
		heading = fmt.Sprintf("%s Flags", titleCase(cmd.Name()))
	}
	cmd.SetHelpTemplate(commandHelpTemplate)
	if cmd.Annotations == nil {
		cmd.Annotations = make(map[string]string)
	}
	cmd.Annotations[localFlagsHeadingKey] = heading
}

func titleCase(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) == 1 {
		return strings.ToUpper(s)
	}
	return strings.ToUpper(string(s[0])) + s[1:]
}
