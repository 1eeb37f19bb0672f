package main

import "github.com/frahmantamala/tramite-payments/cmd"

func main() {
	cmd.Execute()
}
