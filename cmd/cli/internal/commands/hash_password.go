package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wolfeidau/coopgate/internal/auth"
)

var errNoPassword = errors.New("no password given")

type HashPasswordCmd struct {
	Password string `arg:"" optional:"" help:"Password to hash, read from stdin when omitted"`
}

func (h *HashPasswordCmd) Run() error {
	password, err := h.password(os.Stdin)
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	fmt.Println(hash)
	return nil
}

func (h *HashPasswordCmd) password(stdin io.Reader) (string, error) {
	if h.Password != "" {
		return h.Password, nil
	}

	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errNoPassword
	}
	return password, nil
}
