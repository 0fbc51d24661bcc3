// Package bridge runs collaborator operations in an external command. Each
// call starts the command, writes one JSON request to its stdin and reads one
// JSON response from its stdout.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
	"github.com/travigo/transport-performance/pkg/config"
)

var ErrCollaborator = errors.New("collaborator failed")

type request struct {
	Operation string      `json:"operation"`
	Params    interface{} `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type Client struct {
	Command     []string
	Dir         string
	Environment map[string]string
	Logger      zerolog.Logger
}

func NewClient(collaborators config.Collaborators, logger zerolog.Logger) (*Client, error) {
	if len(collaborators.Command) == 0 {
		return nil, fmt.Errorf("%w: collaborators.command is not set", config.ErrInvalidConfig)
	}

	return &Client{
		Command:     collaborators.Command,
		Dir:         collaborators.Dir,
		Environment: collaborators.Environment,
		Logger:      logger,
	}, nil
}

func (c *Client) call(ctx context.Context, operation string, params interface{}, result interface{}) error {
	payload, err := json.Marshal(request{Operation: operation, Params: params})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = os.Environ()
	for key, value := range c.Environment {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.Logger.Debug().Str("operation", operation).Msg("Calling collaborator")
	runErr := cmd.Run()

	scanner := bufio.NewScanner(&stderr)
	for scanner.Scan() {
		c.Logger.Debug().Str("operation", operation).Msg(scanner.Text())
	}

	if runErr != nil {
		return fmt.Errorf("%s: %w: %v", operation, ErrCollaborator, runErr)
	}

	var decoded response
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		return fmt.Errorf("%s: %w: malformed response: %v", operation, ErrCollaborator, err)
	}
	if decoded.Error != "" {
		return fmt.Errorf("%s: %w: %s", operation, ErrCollaborator, strings.TrimSpace(decoded.Error))
	}

	if result == nil || len(decoded.Result) == 0 {
		return nil
	}

	return json.Unmarshal(decoded.Result, result)
}
