package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "loqa-translate",
		Short: "Voice capture and turn-taking for live translation",
		Long: `loqa-translate listens to a speech engine, cleans the running transcript,
commits a turn after a second of silence and sends it for translation.

Key commands:
  serve                        Run the runtime (HTTP control, bus, event store)
  listen [--language tag]      Type lines on stdin as if they were speech
  clean "text"                 Show what the transcript cleaner does to text
  define "word"                Dictionary entry for a word or phrase
  explain "sentence"           Part-of-speech breakdown of a sentence
  corrections validate <file>  Check a corrections table
  version                      Print the version`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Version = version
	root.SetVersionTemplate("loqa-translate v{{.Version}}\n")
	root.CompletionOptions.DisableDefaultCmd = true

	cfgPath := root.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML). Defaults plus LOQA_* env when empty")

	root.AddCommand(newServeCmd(cfgPath))
	root.AddCommand(newListenCmd(cfgPath))
	root.AddCommand(newCleanCmd(cfgPath))
	root.AddCommand(newDefineCmd(cfgPath))
	root.AddCommand(newExplainCmd(cfgPath))
	root.AddCommand(newCorrectionsCmd())
	root.AddCommand(newVersionCmd())
	return root
}
