package main

import (
	"os"
	gosync "sync"

	"github.com/spf13/cobra"

	"github.com/elba-security/elba-connect/internal/logging"
)

// structuredLogAnnotation marks long-running commands whose errors should go
// through the structured logger instead of plain stderr.
const structuredLogAnnotation = "structured-log"

type commandExecutionContext struct {
	CommandPath       string
	UsesStructuredLog bool
}

var (
	executionContextMu gosync.Mutex
	executionContext   commandExecutionContext
)

func setCommandExecutionContext(ctx commandExecutionContext) {
	executionContextMu.Lock()
	defer executionContextMu.Unlock()
	executionContext = ctx
}

func currentCommandExecutionContext() commandExecutionContext {
	executionContextMu.Lock()
	defer executionContextMu.Unlock()
	return executionContext
}

func resetCommandExecutionContext() {
	setCommandExecutionContext(commandExecutionContext{})
}

func commandUsesStructuredLogging(cmd *cobra.Command) bool {
	if cmd == nil {
		return false
	}
	return cmd.Annotations[structuredLogAnnotation] == "true"
}

// prepareCommandExecution records which command is running and, for service
// commands, installs the structured default logger before any work starts.
func prepareCommandExecution(cmd *cobra.Command) error {
	structured := commandUsesStructuredLogging(cmd)
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       cmd.CommandPath(),
		UsesStructuredLog: structured,
	})
	if !structured {
		return nil
	}
	_, err := logging.BootstrapFromEnv(logging.BootstrapOptions{
		Command: cmd.CommandPath(),
		Writer:  os.Stdout,
	})
	return err
}

func structuredLogAnnotations() map[string]string {
	return map[string]string{structuredLogAnnotation: "true"}
}
