// opsctl drives the platform's admin and operator APIs from a terminal.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

const version = "1.0.0"

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	base := os.Getenv("PLATFORM_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	c := &client{
		baseURL: base,
		token:   os.Getenv("PLATFORM_ADMIN_TOKEN"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "stats":
		c.get("/admin/stats")
	case "health":
		c.get("/health")
	case "blocklist":
		cmdBlocklist(c, args)
	case "queue":
		cmdQueue(c, args)
	case "dlq":
		cmdDLQ(c, args)
	case "cases":
		cmdCases(c, args)
	case "actions":
		cmdActions(c, args)
	case "detectors":
		cmdDetectors(c, args)
	case "version":
		fmt.Printf("opsctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func cmdBlocklist(c *client, args []string) {
	if len(args) < 1 {
		die("usage: opsctl blocklist add|remove|check <contact> [reason]")
	}
	switch args[0] {
	case "add":
		if len(args) < 2 {
			die("usage: opsctl blocklist add <contact> [reason]")
		}
		body := map[string]string{"contact": args[1]}
		if len(args) > 2 {
			body["reason"] = args[2]
		}
		c.post("/admin/blocklist/add", body)
	case "remove":
		if len(args) < 2 {
			die("usage: opsctl blocklist remove <contact>")
		}
		c.post("/admin/blocklist/remove", map[string]string{"contact": args[1]})
	case "check":
		if len(args) < 2 {
			die("usage: opsctl blocklist check <contact>")
		}
		c.post("/admin/blocklist/check", map[string]string{"contact": args[1]})
	default:
		die("usage: opsctl blocklist add|remove|check <contact>")
	}
}

func cmdQueue(c *client, args []string) {
	if len(args) < 1 {
		die("usage: opsctl queue pause|resume")
	}
	switch args[0] {
	case "pause":
		c.post("/admin/queue/pause", nil)
	case "resume":
		c.post("/admin/queue/resume", nil)
	default:
		die("usage: opsctl queue pause|resume")
	}
}

func cmdDLQ(c *client, args []string) {
	if len(args) < 1 {
		die("usage: opsctl dlq list|retry <id>|retry-all|discard <id>|clear <confirmation>")
	}
	switch args[0] {
	case "list":
		c.get("/admin/dlq")
	case "retry":
		if len(args) < 2 {
			die("usage: opsctl dlq retry <id>")
		}
		c.post("/admin/dlq/retry/"+url.PathEscape(args[1]), nil)
	case "retry-all":
		c.post("/admin/dlq/retry-all", nil)
	case "discard":
		if len(args) < 2 {
			die("usage: opsctl dlq discard <id>")
		}
		c.delete("/admin/dlq/" + url.PathEscape(args[1]))
	case "clear":
		if len(args) < 2 {
			die("clear needs the confirmation phrase; run opsctl dlq clear SURE")
		}
		c.delete("/admin/dlq?confirm=" + url.QueryEscape(args[1]))
	default:
		die("usage: opsctl dlq list|retry <id>|retry-all|discard <id>|clear <confirmation>")
	}
}

func cmdCases(c *client, args []string) {
	if len(args) < 1 {
		die("usage: opsctl cases list [state]|show <id>|history <id>|transition <id> <event> <actor> [note]")
	}
	switch args[0] {
	case "list":
		path := "/api/cases"
		if len(args) > 1 {
			path += "?state=" + url.QueryEscape(args[1])
		}
		c.get(path)
	case "show":
		if len(args) < 2 {
			die("usage: opsctl cases show <id>")
		}
		c.get("/api/cases/" + url.PathEscape(args[1]))
	case "history":
		if len(args) < 2 {
			die("usage: opsctl cases history <id>")
		}
		c.get("/api/cases/" + url.PathEscape(args[1]) + "/history")
	case "transition":
		if len(args) < 4 {
			die("usage: opsctl cases transition <id> <event> <actor> [note]")
		}
		body := map[string]string{"event": args[2], "actor": args[3]}
		if len(args) > 4 {
			body["note"] = args[4]
		}
		c.post("/api/cases/"+url.PathEscape(args[1])+"/transition", body)
	default:
		die("usage: opsctl cases list|show|history|transition")
	}
}

func cmdActions(c *client, args []string) {
	if len(args) < 1 {
		die("usage: opsctl actions show <id>|confirm <id> <actor>|approve <id> <actor> [code]|reject <id> <actor> [reason]")
	}
	switch args[0] {
	case "show":
		if len(args) < 2 {
			die("usage: opsctl actions show <id>")
		}
		c.get("/api/actions/" + url.PathEscape(args[1]))
	case "confirm":
		if len(args) < 3 {
			die("usage: opsctl actions confirm <id> <actor>")
		}
		c.post("/api/actions/"+url.PathEscape(args[1])+"/confirm", map[string]string{"actor": args[2]})
	case "approve":
		if len(args) < 3 {
			die("usage: opsctl actions approve <id> <actor> [code]")
		}
		body := map[string]string{"actor": args[2]}
		if len(args) > 3 {
			body["code"] = args[3]
		}
		c.post("/api/actions/"+url.PathEscape(args[1])+"/approve", body)
	case "reject":
		if len(args) < 3 {
			die("usage: opsctl actions reject <id> <actor> [reason]")
		}
		body := map[string]string{"actor": args[2]}
		if len(args) > 3 {
			body["reason"] = args[3]
		}
		c.post("/api/actions/"+url.PathEscape(args[1])+"/reject", body)
	default:
		die("usage: opsctl actions show|confirm|approve|reject")
	}
}

func cmdDetectors(c *client, args []string) {
	if len(args) < 1 {
		die("usage: opsctl detectors list|trigger <id> [branch]")
	}
	switch args[0] {
	case "list":
		c.get("/api/detectors")
	case "trigger":
		if len(args) < 2 {
			die("usage: opsctl detectors trigger <id> [branch]")
		}
		body := map[string]interface{}{}
		if len(args) > 2 {
			body["scope"] = map[string]string{"branch": args[2]}
		}
		c.post("/api/detectors/"+url.PathEscape(args[1])+"/trigger", body)
	default:
		die("usage: opsctl detectors list|trigger <id>")
	}
}

func (c *client) get(path string)    { c.do(http.MethodGet, path, nil) }
func (c *client) delete(path string) { c.do(http.MethodDelete, path, nil) }

func (c *client) post(path string, body interface{}) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			die(err.Error())
		}
	}
	c.do(http.MethodPost, path, &buf)
}

func (c *client) do(method, path string, body io.Reader) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		die(err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Admin-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		die(err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		die(err.Error())
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func die(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func printUsage() {
	fmt.Println(`opsctl v` + version + ` - platform operations CLI

Usage: opsctl <command> [args]

Commands:
  stats                                 Gateway runtime stats
  health                                Health probe
  blocklist add|remove|check <contact>  Manage the contact blocklist
  queue pause|resume                    Pause or resume job intake
  dlq list|retry|retry-all|discard|clear
                                        Inspect and drain the dead letter queue
  cases list|show|history|transition    Work operational cases
  actions show|confirm|approve|reject   Govern proposed actions
  detectors list|trigger                Run detectors out of schedule
  version                               Print version

Environment:
  PLATFORM_URL          Base URL (default http://localhost:8080)
  PLATFORM_ADMIN_TOKEN  Admin API token`)
}
