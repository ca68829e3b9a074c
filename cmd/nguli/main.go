package main

import "github.com/rudransh-shrivastava/nguli/internal/client/cmd"

func main() {
	cmd.Execute()
}
