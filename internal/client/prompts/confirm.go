package prompts

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Confirm asks a yes/no question and returns true only on an explicit yes.
// EOF or any read error counts as no.
func Confirm(question string) bool {
	fmt.Printf("%s [y/N]: ", question)

	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
