package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/acoreyj/geniesync/server"
)

const LocalVersion = "0.0.0-local"

const DefaultUrl = "http://localhost:8787"

func main() {
	usage := fmt.Sprintf(
		`Genie sync admin tool.

The default url is:
    url: %s

Usage:
    geniesyncctl values-list [--url=<url>] [--doc=<doc>]
    geniesyncctl tables-list [--url=<url>] [--doc=<doc>]
    geniesyncctl mint-token --subject=<subject> [--role=<role>] [--expire_hours=<expire_hours>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --url=<url>                      Server url.
    --doc=<doc>                      Document identity path [default: genie].
    --subject=<subject>              Token subject.
    --role=<role>                    Token role, e.g. admin.
    --expire_hours=<expire_hours>    Token lifetime in hours [default: 24].`,
		DefaultUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	if valuesList_, _ := opts.Bool("values-list"); valuesList_ {
		list(opts, "values-list")
	} else if tablesList_, _ := opts.Bool("tables-list"); tablesList_ {
		list(opts, "tables-list")
	} else if mintToken_, _ := opts.Bool("mint-token"); mintToken_ {
		mintToken(opts)
	}
}

func list(opts docopt.Opts, op string) {
	url := DefaultUrl
	if urlAny := opts["--url"]; urlAny != nil {
		url = urlAny.(string)
	}
	doc, _ := opts["--doc"].(string)

	listUrl := fmt.Sprintf(
		"%s/%s/__api__/%s",
		strings.TrimRight(url, "/"),
		strings.Trim(doc, "/"),
		op,
	)
	response, err := http.Get(listUrl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
	if response.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", response.Status, string(body))
		os.Exit(1)
	}

	var records any
	if err := json.Unmarshal(body, &records); err != nil {
		fmt.Printf("%s\n", string(body))
		return
	}
	pretty, _ := json.MarshalIndent(records, "", "  ")
	fmt.Printf("%s\n", string(pretty))
}

func mintToken(opts docopt.Opts) {
	subject := opts["--subject"].(string)
	role, _ := opts["--role"].(string)
	expireHours, _ := opts.Int("--expire_hours")

	fmt.Print("signing secret: ")
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Printf("\n")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}

	token, err := server.MintToken(
		secret,
		subject,
		role,
		time.Duration(expireHours)*time.Hour,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s\n", token)
}
