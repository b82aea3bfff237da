// Command ofdrgate-ctl is a line-protocol client for poking a running
// gateway: submit a measurement, poll a result, watch the pushes.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"ofdrgate/pkg/protocol"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9300", "gateway address to connect to")
	client := flag.String("client", "1", "client id to submit as")
	mode := flag.String("mode", "", "submit a task: scan|zero|auto_peak")
	params := flag.String("params", "", "task parameters as k=v,k=v")
	result := flag.String("result", "", "poll the result of a task id")
	wait := flag.Bool("wait", false, "after submit, wait for the pushed final result")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	if *mode == "" && *result == "" {
		fatalf("nothing to do: pass -mode or -result")
	}

	conn, err := net.DialTimeout("tcp", *addr, 5*time.Second)
	if err != nil {
		fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(*timeout))
	rd := bufio.NewReader(conn)

	switch {
	case *mode != "":
		req := protocol.Request{
			Command:  protocol.CmdSubmit,
			ClientID: protocol.FlexID(*client),
			Mode:     *mode,
			Params:   parseParams(*params),
		}
		send(conn, req)
		// ack first, then pushed status updates if -wait
		for {
			m := recv(rd)
			dump(m)
			if !*wait && m["command"] == "ack" {
				return
			}
			if m["command"] == "error" {
				os.Exit(1)
			}
			if m["command"] == "result" && m["status"] == "complete" {
				return
			}
		}

	case *result != "":
		send(conn, protocol.Request{Command: protocol.CmdResult, TaskID: *result})
		dump(recv(rd))
	}
}

func parseParams(s string) map[string]string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	out := map[string]string{}
	for _, kv := range strings.Split(s, ",") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			fatalf("bad parameter %q, want k=v", kv)
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

func send(conn net.Conn, v any) {
	b, err := protocol.Encode(v)
	if err != nil {
		fatalf("encode: %v", err)
	}
	if _, err := conn.Write(b); err != nil {
		fatalf("send: %v", err)
	}
}

func recv(rd *bufio.Reader) map[string]any {
	line, err := rd.ReadBytes('\n')
	if err != nil {
		fatalf("recv: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(line, &m); err != nil {
		fatalf("bad reply %q: %v", strings.TrimSpace(string(line)), err)
	}
	return m
}

func dump(m map[string]any) {
	b, _ := json.MarshalIndent(m, "", "  ")
	fmt.Println(string(b))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
