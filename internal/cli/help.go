package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/allyourbase/smsd/internal/cli/ui"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// commandGroups orders the root help. Commands not listed land under OTHER.
var commandGroups = []struct {
	group    cobra.Group
	commands []string
}{
	{cobra.Group{ID: "server", Title: "SERVER"}, []string{"start", "health", "logs"}},
	{cobra.Group{ID: "messaging", Title: "MESSAGING"}, []string{"send", "batch", "verify", "status", "history", "ratelimit"}},
	{cobra.Group{ID: "config", Title: "CONFIGURATION"}, []string{"config", "version"}},
}

// clientEnv lists the variables that point client commands at a server.
var clientEnv = [][2]string{
	{"SMSD_URL", "server URL when --url is not given"},
	{"SMSD_API_TOKEN", "bearer token when --token is not given"},
	{"NO_COLOR", "disable colored output"},
}

func initHelp() {
	byName := make(map[string]string)
	for i := range commandGroups {
		g := &commandGroups[i]
		rootCmd.AddGroup(&g.group)
		for _, name := range g.commands {
			byName[name] = g.group.ID
		}
	}
	for _, cmd := range rootCmd.Commands() {
		if id, ok := byName[cmd.Name()]; ok {
			cmd.GroupID = id
		}
	}

	rootCmd.SetHelpFunc(styledHelp)
	rootCmd.SetUsageFunc(func(cmd *cobra.Command) error {
		styledHelp(cmd, nil)
		return nil
	})
}

func styledHelp(cmd *cobra.Command, _ []string) {
	c := colorEnabled()
	w := cmd.ErrOrStderr()

	fmt.Fprintln(w)
	switch {
	case cmd == rootCmd:
		fmt.Fprintf(w, "  %s %s\n\n", ui.BrandEmoji, boldCyan("smsd", c))
		writeLong(w, cmd.Long, c)
	case cmd.Long != "":
		for _, line := range strings.Split(cmd.Long, "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
	default:
		fmt.Fprintf(w, "  %s\n", cmd.Short)
	}
	fmt.Fprintln(w)

	useLine := cmd.UseLine()
	if cmd.HasAvailableSubCommands() {
		useLine = cmd.CommandPath() + " [command]"
	}
	section(w, "USAGE", c, func() { fmt.Fprintf(w, "  %s\n", useLine) })

	if cmd.Example != "" {
		section(w, "EXAMPLES", c, func() {
			for _, line := range strings.Split(cmd.Example, "\n") {
				if line = strings.TrimSpace(line); line != "" {
					fmt.Fprintf(w, "  %s\n", green(line, c))
				}
			}
		})
	}

	printCommands(w, cmd, c)
	printFlags(w, cmd, c)

	if cmd == rootCmd || talksToServer(cmd) {
		section(w, "ENVIRONMENT", c, func() {
			for _, kv := range clientEnv {
				fmt.Fprintf(w, "  %s%s\n", cyan(fmt.Sprintf("%-18s", kv[0]), c), dim(kv[1], c))
			}
		})
	}

	if cmd.HasAvailableSubCommands() {
		fmt.Fprintf(w, "%s\n\n", dim(fmt.Sprintf("Use %q for more information about a command.", cmd.CommandPath()+" [command] --help"), c))
	}
}

// writeLong prints the root description: indented lines as code, the rest dimmed.
func writeLong(w io.Writer, long string, c bool) {
	for _, line := range strings.Split(long, "\n") {
		switch {
		case strings.TrimSpace(line) == "":
			fmt.Fprintln(w)
		case strings.HasPrefix(line, "  "):
			fmt.Fprintf(w, "    %s\n", green(strings.TrimSpace(line), c))
		default:
			fmt.Fprintf(w, "  %s\n", dim(line, c))
		}
	}
}

func section(w io.Writer, title string, c bool, body func()) {
	fmt.Fprintln(w, boldCyan(title, c))
	body()
	fmt.Fprintln(w)
}

// talksToServer reports whether cmd resolves a server URL, i.e. every
// command except start, config and version.
func talksToServer(cmd *cobra.Command) bool {
	for p := cmd; p != nil && p != rootCmd; p = p.Parent() {
		switch p.Name() {
		case "start", "config", "version":
			return false
		}
	}
	return cmd != rootCmd && cmd.Runnable()
}

func printCommands(w io.Writer, cmd *cobra.Command, c bool) {
	if !cmd.HasAvailableSubCommands() {
		return
	}

	var available []*cobra.Command
	for _, sub := range cmd.Commands() {
		if sub.IsAvailableCommand() {
			available = append(available, sub)
		}
	}

	groups := cmd.Groups()
	if len(groups) == 0 {
		section(w, "COMMANDS", c, func() { printCommandList(w, available, c) })
		return
	}

	byGroup := make(map[string][]*cobra.Command)
	for _, sub := range available {
		byGroup[sub.GroupID] = append(byGroup[sub.GroupID], sub)
	}
	for _, g := range groups {
		if cmds := byGroup[g.ID]; len(cmds) > 0 {
			section(w, g.Title, c, func() { printCommandList(w, cmds, c) })
		}
	}
	if other := byGroup[""]; len(other) > 0 {
		section(w, "OTHER", c, func() { printCommandList(w, other, c) })
	}
}

func printCommandList(w io.Writer, cmds []*cobra.Command, c bool) {
	width := 0
	for _, cmd := range cmds {
		width = max(width, len(cmd.Name()))
	}
	for _, cmd := range cmds {
		fmt.Fprintf(w, "  %s%s\n", bold(fmt.Sprintf("%-*s", width+4, cmd.Name()), c), dim(cmd.Short, c))
	}
}

// printFlags lists the root's flags in one block; subcommands show their own
// flags first and the inherited --url/--token/--output after.
func printFlags(w io.Writer, cmd *cobra.Command, c bool) {
	if cmd == rootCmd {
		printFlagSet(w, "FLAGS", cmd.Flags(), c)
		return
	}
	printFlagSet(w, "FLAGS", cmd.LocalNonPersistentFlags(), c)
	printFlagSet(w, "GLOBAL FLAGS", cmd.InheritedFlags(), c)
}

func printFlagSet(w io.Writer, title string, fs *pflag.FlagSet, c bool) {
	visible := false
	fs.VisitAll(func(f *pflag.Flag) { visible = visible || !f.Hidden })
	if !visible {
		return
	}
	section(w, title, c, func() {
		for _, line := range strings.Split(strings.TrimRight(fs.FlagUsages(), "\n"), "\n") {
			if strings.TrimSpace(line) != "" {
				fmt.Fprintln(w, colorizeFlag(line, c))
			}
		}
	})
}

// colorizeFlag colors one pflag usage line: the flag and its type cyan, the
// description dimmed. pflag separates the two with at least three spaces.
func colorizeFlag(line string, c bool) string {
	if !c {
		return line
	}
	trimmed := strings.TrimLeft(line, " ")
	indent := line[:len(line)-len(trimmed)]

	if i := strings.Index(trimmed, "   "); i > 0 {
		if desc := strings.TrimLeft(trimmed[i:], " "); desc != "" {
			return indent + cyan(trimmed[:i], c) + "   " + dim(desc, c)
		}
	}
	return indent + cyan(trimmed, c)
}
