// Command roundtable serves and runs turn-based multi-agent meetings.
package main

func main() {
	Execute()
}
