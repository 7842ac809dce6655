// Command runner is the in-container companion process: it starts as the
// sandbox image's entrypoint, owns the PTY-backed login shell, and listens
// on a Unix socket for one-shot requests (exec/write/read) relayed from the
// daemon via `docker exec`. A second invocation mode, `--client`, is how the
// daemon actually talks to it: each `docker exec runner --client '<json>'`
// connects to the socket, writes one request line, and prints the one
// response line it gets back.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"

	"github.com/cloudbox/cloudbox/protocol"
)

const socketPath = "/run/runner.sock"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--client" {
		if len(os.Args) < 3 {
			fmt.Fprintf(os.Stderr, "usage: runner --client '<json>'\n")
			os.Exit(1)
		}
		runClient(os.Args[2])
		return
	}

	runServer()
}

func runClient(reqJSON string) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(reqJSON + "\n")); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, protocol.MaxOutputBytes+4096), protocol.MaxOutputBytes+4096)
	if scanner.Scan() {
		fmt.Println(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read: %v\n", err)
		os.Exit(1)
	}
}
