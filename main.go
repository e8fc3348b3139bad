// The main package for the examscan executable.
package main

import (
	"github.com/JakeFAU/exam-id-scanner/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
