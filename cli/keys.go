package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/yllada/nebula-manager/common"
	"github.com/yllada/nebula-manager/keyring"
	"github.com/yllada/nebula-manager/store"
)

// stdinFd is replaced in tests.
var stdinFd = func() int { return int(os.Stdin.Fd()) }

// readKey loads a private key from path. "-" reads it from stdin, without
// echo when stdin is a terminal. An empty path yields an empty key.
func (c *CLI) readKey(path string) (string, error) {
	switch path {
	case "":
		return "", nil
	case "-":
		fd := stdinFd()
		if term.IsTerminal(fd) {
			return c.promptKey(fd)
		}
		data, err := io.ReadAll(c.in)
		if err != nil {
			return "", fmt.Errorf("read private key: %w", err)
		}
		return normalizeKey(string(data)), nil
	default:
		data, err := os.ReadFile(common.ExpandHome(path))
		if err != nil {
			return "", fmt.Errorf("read private key: %w", err)
		}
		return normalizeKey(string(data)), nil
	}
}

// promptKey reads a PEM block line by line from the terminal without echo.
func (c *CLI) promptKey(fd int) (string, error) {
	fmt.Fprintln(c.errw, "Paste the private key, ending with its END line:")
	var lines []string
	for {
		line, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("read private key: %w", err)
		}
		text := strings.TrimSpace(string(line))
		if text == "" && len(lines) == 0 {
			continue
		}
		lines = append(lines, text)
		if strings.HasPrefix(text, "-----END ") {
			break
		}
	}
	return normalizeKey(strings.Join(lines, "\n")), nil
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return key + "\n"
}

// sessionInputs resolves the configuration and key for run. Missing values
// fall back to the files of the last session and the remembered key.
func (c *CLI) sessionInputs(configPath, keyPath string) (config, key string, err error) {
	if configPath != "" {
		raw, err := os.ReadFile(common.ExpandHome(configPath))
		if err != nil {
			return "", "", fmt.Errorf("read nebula config: %w", err)
		}
		config = string(raw)
	} else {
		config, err = c.files.LoadConfig(store.KindLive)
		if err != nil {
			return "", "", fmt.Errorf("%w: no previous session, pass --nebula-config", common.ErrInvalidArgument)
		}
		fmt.Fprintln(c.errw, "Resuming with the configuration of the last session")
	}

	key, err = c.readKey(keyPath)
	if err != nil {
		return "", "", err
	}

	if !c.cfg.RememberKey {
		if key == "" {
			return "", "", fmt.Errorf("%w: --key is required", common.ErrInvalidArgument)
		}
		return config, key, nil
	}

	vault := keyring.Open(c.dataDir)
	if key != "" {
		if err := vault.SaveKey(key); err != nil {
			fmt.Fprintf(c.errw, "Warning: could not remember private key: %v\n", err)
		}
		return config, key, nil
	}
	key, err = vault.LoadKey()
	if errors.Is(err, common.ErrCredentialsNotFound) {
		return "", "", fmt.Errorf("%w: no remembered private key, pass --key", common.ErrInvalidArgument)
	}
	if err != nil {
		return "", "", err
	}
	return config, key, nil
}
