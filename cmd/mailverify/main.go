// Command mailverify validates email addresses from the command line or
// serves the validation engine over HTTP.
package main

func main() {
	Execute()
}
