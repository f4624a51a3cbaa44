// Command localsync is the local-first sync engine CLI.
package main

func main() {
	Execute()
}
