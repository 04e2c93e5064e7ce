package main

import "github.com/jensneuse/graphql-gateway/cmd/gateway/cmd"

func main() {
	cmd.Execute()
}
