// The main package for the topiccrawler executable.
package main

import (
	"github.com/JakeFAU/topic-crawler/cmd"
)

func main() {
	cmd.Execute()
}
