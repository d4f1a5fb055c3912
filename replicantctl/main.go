package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/stagecast/replicant/replicant"
)

const Version = "0.1.0"

const DefaultUrl = "ws://127.0.0.1:9090/replicant"

func main() {
	usage := fmt.Sprintf(
		`Replicant control.

The default url is:
    url: %s

Usage:
    replicantctl read <namespace> <name> [--url=<url>]
        [--token=<token> | --prompt_token]
    replicantctl assign <namespace> <name> <value_json> [--url=<url>]
        [--token=<token> | --prompt_token]
    replicantctl watch <namespace> <name> [--url=<url>]
        [--token=<token> | --prompt_token]

Options:
    -h --help          Show this screen.
    --version          Show version.
    --url=<url>
    --token=<token>    Bearer token for the socket.
    --prompt_token     Prompt for the token without echo.`,
		DefaultUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if read_, _ := opts.Bool("read"); read_ {
		read(opts)
	} else if assign_, _ := opts.Bool("assign"); assign_ {
		assign(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func connect(ctx context.Context, opts docopt.Opts) (*replicant.ClientConnection, *replicant.ClientReplicant) {
	serverUrl := DefaultUrl
	if urlAny := opts["--url"]; urlAny != nil {
		serverUrl = urlAny.(string)
	}

	var token string
	if tokenAny := opts["--token"]; tokenAny != nil {
		token = tokenAny.(string)
	} else if promptToken_, _ := opts.Bool("--prompt_token"); promptToken_ {
		fmt.Print("token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			panic(err)
		}
		token = string(tokenBytes)
	}

	namespace, _ := opts.String("<namespace>")
	name, _ := opts.String("<name>")

	conn := replicant.NewClientConnectionWithDefaults(ctx, serverUrl, token)
	rep := conn.Replicant(name, namespace, nil)

	declareCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := rep.WaitDeclared(declareCtx); err != nil {
		if rejectReason := rep.DeclareError(); rejectReason != "" {
			fmt.Fprintf(os.Stderr, "declare rejected: %s\n", rejectReason)
		} else {
			fmt.Fprintf(os.Stderr, "declare timeout: %s\n", err)
		}
		os.Exit(1)
	}
	return conn, rep
}

func read(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, rep := connect(cancelCtx, opts)
	defer conn.Close()

	printJson(rep.Value())
}

func assign(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, rep := connect(cancelCtx, opts)
	defer conn.Close()

	valueJson, _ := opts.String("<value_json>")
	var value any
	if err := json.Unmarshal([]byte(valueJson), &value); err != nil {
		fmt.Fprintf(os.Stderr, "bad value json: %s\n", err)
		os.Exit(1)
	}

	startRevision := rep.Revision()
	if err := rep.Assign(value); err != nil {
		fmt.Fprintf(os.Stderr, "assign error: %s\n", err)
		os.Exit(1)
	}

	// the proposal is acknowledged when the revision advances
	deadline := time.Now().Add(10 * time.Second)
	for rep.Revision() == startRevision {
		if deadline.Before(time.Now()) {
			fmt.Fprintf(os.Stderr, "assign not acknowledged\n")
			os.Exit(1)
		}
		time.Sleep(20 * time.Millisecond)
	}
	fmt.Printf("rev=%d\n", rep.Revision())
}

func watch(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, rep := connect(cancelCtx, opts)
	defer conn.Close()

	rep.AddChangeHandler(func(newValue any, oldValue any, ops []replicant.Operation) {
		printJson(map[string]any{
			"rev":   rep.Revision(),
			"value": newValue,
			"ops":   ops,
		})
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	<-stop
}

func printJson(value any) {
	b, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", b)
}
