package util

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Confirm prompts the user for confirmation (y/n) and returns true if confirmed
// Used before operations that modify the attached target
func Confirm(prompt string) bool {
	reader := bufio.NewReader(os.Stdin)

	fmt.Print(prompt)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	// Trim whitespace and convert to lowercase
	response = strings.TrimSpace(strings.ToLower(response))

	// Accept 'y' or 'yes'
	return response == "y" || response == "yes"
}

// ConfirmDanger prompts for a more serious confirmation with a warning message
// Returns true only if the user explicitly types "yes"; guards chip and
// sector erase, which destroy whatever firmware is on the target
func ConfirmDanger(operation string) bool {
	fmt.Printf("\n⚠️  WARNING: %s\n", operation)
	fmt.Println("The target's flash contents cannot be recovered afterwards.")
	fmt.Print("\nType 'yes' to confirm: ")

	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	// Trim whitespace and convert to lowercase
	response = strings.TrimSpace(strings.ToLower(response))

	return response == "yes"
}
