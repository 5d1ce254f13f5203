// Command smtpmgr is the interactive control-plane client: it sends
// fixed-frame UDP requests to smtpd's management port and prints the
// decoded response (spec.md §6 "CLI flags (manager client)").
//
// Grounded on original_source/src/client/manager.c's request/response
// menu loop, reworked into idiomatic Go using internal/control's codec
// instead of hand-packed byte buffers.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/infodancer/smtpd/internal/control"
)

func main() {
	ip := flag.String("i", "", "server IP address (required)")
	port := flag.Int("p", 0, "control-plane UDP port (required)")
	flag.Parse()

	if *ip == "" || *port == 0 {
		fmt.Fprintln(os.Stderr, "usage: smtpmgr -i <ip> -p <port>")
		os.Exit(1)
	}

	conn, err := net.Dial("udp", net.JoinHostPort(*ip, strconv.Itoa(*port)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "smtpmgr: dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	var identifier uint16 = 0x1234
	stdin := bufio.NewReader(os.Stdin)

	for {
		printMenu()
		line, err := stdin.ReadString('\n')
		if err != nil {
			return
		}
		cmd, ok := parseCommand(line)
		if !ok {
			fmt.Println("Invalid command. Please select a number from 0 to 7.")
			continue
		}

		if _, err := conn.Write(control.EncodeRequest(identifier, cmd)); err != nil {
			fmt.Fprintf(os.Stderr, "smtpmgr: send failed: %v\n", err)
			continue
		}

		buf := make([]byte, control.ResponseLen)
		n, err := conn.Read(buf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "smtpmgr: receive failed: %v\n", err)
			continue
		}
		resp, ok := control.DecodeResponse(buf[:n])
		if !ok {
			fmt.Fprintln(os.Stderr, "smtpmgr: response had unexpected length")
			continue
		}

		fmt.Println()
		fmt.Println("Received response:")
		fmt.Printf("Status: %s\n", resp.Status)
		fmt.Printf("Amount: %d\n", resp.Quantity)
		fmt.Printf("Boolean: %v\n\n", resp.Boolean)

		switch cmd {
		case control.CmdSetTransformOn, control.CmdSetTransformOff:
			fmt.Printf("Transformation status = %s\n", onOff(resp.Boolean))
		case control.CmdSetVerifyOn, control.CmdSetVerifyOff:
			fmt.Printf("Verify status = %s\n", onOff(resp.Boolean))
		}

		identifier++
	}
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func parseCommand(line string) (control.Command, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 0 || n > 7 {
		return 0, false
	}
	return control.Command(n), true
}

func printMenu() {
	fmt.Println()
	fmt.Println("Command Menu:")
	fmt.Println("0. Number of historical connections")
	fmt.Println("1. Number of concurrent connections")
	fmt.Println("2. Number of bytes transferred")
	fmt.Println("3. Check transformation status")
	fmt.Println("4. Transformations ON")
	fmt.Println("5. Transformations OFF")
	fmt.Println("6. Verify ON")
	fmt.Println("7. Verify OFF")
	fmt.Print("Select a command (0-7): ")
}
