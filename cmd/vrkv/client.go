package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tangledbytes/go-vrkv/pkg/client"
	"github.com/tangledbytes/go-vrkv/pkg/config"
	"github.com/tangledbytes/go-vrkv/pkg/kv"
	"github.com/tangledbytes/go-vrkv/pkg/message"
	"github.com/tangledbytes/go-vrkv/pkg/network"
)

// attemptsPerCommand bounds how long the console waits for one command,
// in request timeouts.
const attemptsPerCommand = 5

var (
	clientConfig = &config.ClientConfig{}

	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Interactive console against a cluster",
		Long: `Open a console that sends commands to the cluster:

  get <key>
  set <key> <value>
  delete <key>
  quit`,
		Example: "  vrkv client --members 127.0.0.1:7000,127.0.0.1:7001,127.0.0.1:7002",
		PreRunE: processClientConfig,
		RunE:    runClient,
	}
)

func init() {
	f := clientCmd.Flags()
	f.Uint64("client-id", 0, "client id, random when zero")
	f.String("members", "", "comma separated members, <id>=<host>:<port> or <host>:<port> in id order")
	f.Duration("request-timeout", client.DefaultRequestTimeout, "time before a request is retried against every replica")
}

func processClientConfig(cmd *cobra.Command, _ []string) error {
	if err := bindFlags(cmd); err != nil {
		return err
	}

	members, err := config.ParseMembers(viper.GetString("members"))
	if err != nil {
		return err
	}

	clientConfig.ClientID = viper.GetUint64("client-id")
	if clientConfig.ClientID == 0 {
		clientConfig.ClientID = rand.Uint64()
	}
	clientConfig.Members = members
	clientConfig.RequestTimeout = viper.GetDuration("request-timeout")
	clientConfig.Log = logConfig()

	return clientConfig.Validate()
}

func runClient(_ *cobra.Command, _ []string) error {
	logger, err := setupLogger(clientConfig.Log)
	if err != nil {
		return err
	}

	fmt.Fprint(os.Stderr, clientConfig.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addrs := make(map[uint64]string, len(clientConfig.Members))
	for _, m := range clientConfig.Members {
		addrs[m.ID] = m.Address()
	}

	transport := network.NewTCP(network.TCPConfig{
		Self:     message.Client(clientConfig.ClientID),
		Replicas: addrs,
		Logger:   logger,
	})

	c, err := client.New(client.Config{
		ID:             clientConfig.ClientID,
		Members:        uint64(len(clientConfig.Members)),
		Router:         transport,
		RequestTimeout: clientConfig.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	if err := transport.Start(c); err != nil {
		return err
	}
	defer transport.Close()

	return console(ctx, c, os.Stdin, os.Stdout, attemptsPerCommand*clientConfig.RequestTimeout)
}

// console reads commands from in until quit, EOF or ctx ends, and
// prints every result to out.
func console(ctx context.Context, c *client.Client, in io.Reader, out io.Writer, timeout time.Duration) error {
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, "vrkv> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "quit", "exit":
			return nil
		}

		op, err := kv.Parse(line)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			continue
		}

		opCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := c.Do(opCtx, op)
		cancel()

		switch {
		case err == nil:
			fmt.Fprintln(out, result)
		case errors.Is(err, client.ErrBusy):
			fmt.Fprintln(out, "error: still waiting for the previous command, try again")
		case ctx.Err() != nil:
			return nil
		default:
			fmt.Fprintln(out, "error:", err)
		}
	}
}
