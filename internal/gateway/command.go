package gateway

import (
	"fmt"
	"strings"
)

// maxCommandArgs bounds the argument list of a single command.
const maxCommandArgs = 16

// Command is one device command sent through ExecuteCommand.
//
// Args are passed to the gateway as-is. Only strings and numbers are valid.
type Command struct {
	Name string `json:"name"`
	Args []any  `json:"args,omitempty"`
}

// Validate checks the command name and argument types.
func (c Command) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCommand)
	}
	if len(c.Args) > maxCommandArgs {
		return fmt.Errorf("%w: %d args (max %d)", ErrInvalidCommand, len(c.Args), maxCommandArgs)
	}
	for i, a := range c.Args {
		switch a.(type) {
		case string, float64, int, int64:
		default:
			return fmt.Errorf("%w: args[%d] has type %T, want string or number", ErrInvalidCommand, i, a)
		}
	}
	return nil
}
