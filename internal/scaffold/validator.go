package scaffold

import (
	"fmt"
	"os"
)

// CheckExisting checks if warren.yml already exists in the working
// directory. Returns an error if it does, nil otherwise.
func CheckExisting() error {
	if _, err := os.Stat(ConfigFileName); err != nil {
		return nil
	}

	errMsg := fmt.Sprintf("project already initialized\n\nFound existing: %s", ConfigFileName)
	errMsg += "\n\nUse 'warren init --force' to reinitialize (this will overwrite existing configuration)"

	return fmt.Errorf("%s", errMsg)
}
