// Package tui holds the interactive prompts used by commands when stdin and
// stdout are terminals.
package tui

import (
	"errors"
	"strings"

	"github.com/charmbracelet/huh"
)

// Login holds the answers of the sign-in form.
type Login struct {
	Username string
	Password string
}

// PromptLogin asks for a username and password. A username passed in is
// used as the field's starting value.
func PromptLogin(origin, username string) (Login, error) {
	answers := Login{Username: username}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Username").
				Value(&answers.Username).
				Validate(required),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&answers.Password).
				Validate(required),
		).Title("Sign in to " + origin),
	)
	if err := form.Run(); err != nil {
		return Login{}, err
	}
	answers.Username = strings.TrimSpace(answers.Username)
	return answers, nil
}

// PromptSecret asks for a value that must not be echoed, such as an API key.
func PromptSecret(title string) (string, error) {
	var result string
	err := huh.NewInput().
		Title(title).
		EchoMode(huh.EchoModePassword).
		Value(&result).
		Validate(required).
		Run()
	return strings.TrimSpace(result), err
}

// ConfirmDangerous shows a confirmation prompt for dangerous actions.
func ConfirmDangerous(message string) (bool, error) {
	var result bool
	err := huh.NewConfirm().
		Title(message).
		Description("This action cannot be undone.").
		Affirmative("Yes, I'm sure").
		Negative("Cancel").
		Value(&result).
		Run()
	if err != nil {
		return false, err
	}
	return result, nil
}

// Canceled reports whether err means the user aborted a prompt.
func Canceled(err error) bool {
	return errors.Is(err, huh.ErrUserAborted)
}

func required(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("this field is required")
	}
	return nil
}
