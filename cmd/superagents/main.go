// Command superagents runs the session supervisor.
package main

func main() {
	Execute()
}
