// Command meshim is a terminal front end for the messaging core: sign on
// with the configured transports, print inbound messages and node events,
// and send messages typed as "conversation-id: text".
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/opd-ai/meshim"
	"github.com/opd-ai/meshim/config"
	"github.com/opd-ai/meshim/nodes"
	"github.com/opd-ai/meshim/routing"
	"github.com/opd-ai/meshim/session"
)

func main() {
	configPath := flag.String("config", "", "configuration file (default: platform config dir)")
	screenName := flag.String("screen-name", "", "screen name to sign on with (default: configured value)")
	logDir := flag.String("log-dir", "", "chat log directory")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	logrus.SetLevel(logrus.WarnLevel)
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := run(*configPath, *screenName, *logDir); err != nil {
		fmt.Fprintln(os.Stderr, "meshim:", err)
		os.Exit(1)
	}
}

func run(configPath, screenName, logDir string) error {
	m, err := meshim.New(&meshim.Options{
		ConfigPath:  configPath,
		LogDir:      logDir,
		WatchConfig: true,
	})
	if err != nil {
		return err
	}

	m.OnStatus(func(text string, _ time.Duration) {
		fmt.Println("*", text)
	})
	m.OnFatalError(func(title, text string) {
		fmt.Fprintf(os.Stderr, "!! %s\n%s\n", title, text)
	})
	m.OnConversationOpened(func(id, name string) {
		fmt.Printf("-- conversation %s (%s)\n", id, name)
	})
	m.OnMessage(func(conversationID, text, sender string) {
		fmt.Printf("[%s] %s: %s\n", conversationID, sender, text)
	})
	m.OnNodeList(func(list []nodes.Node) {
		names := make([]string, len(list))
		for i, n := range list {
			names[i] = n.DisplayName()
		}
		fmt.Printf("-- %d nodes online: %s\n", len(list), strings.Join(names, ", "))
	})

	quit := make(chan struct{})
	m.SetQuitHook(func() { close(quit) })

	creds, err := gatherCredentials(m.Config(), screenName)
	if err != nil {
		m.Quit()
		return err
	}
	if err := m.SignOn(creds); err != nil {
		m.Quit()
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		m.Quit()
	}()

	go readLoop(m)

	<-quit
	return nil
}

// gatherCredentials resolves the screen name and, when the broker requires
// one, prompts for the password without echoing it.
func gatherCredentials(cfg config.Config, screenName string) (session.Credentials, error) {
	if screenName == "" {
		screenName = cfg.ScreenName
	}
	creds := session.Credentials{ScreenName: screenName}

	if cfg.Server != "" && cfg.Username != "" {
		fmt.Printf("Password for %s@%s: ", cfg.Username, cfg.Server)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return creds, fmt.Errorf("reading password: %w", err)
		}
		creds.Password = string(pw)
	}
	return creds, nil
}

// readLoop sends stdin lines of the form "id: text"; a bare line goes to
// the public mesh channel.
func readLoop(m *meshim.Messenger) {
	fmt.Printf("type '<conversation-id>: <text>' to send, bare text for %s\n", routing.PublicConversationName)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		dest := routing.PublicConversationID
		text := line
		if id, rest, ok := strings.Cut(line, ": "); ok && !strings.Contains(id, " ") {
			dest, text = id, rest
		}

		if err := m.SendMessage(dest, text); err != nil {
			fmt.Fprintln(os.Stderr, "send failed:", err)
		}
	}
}
