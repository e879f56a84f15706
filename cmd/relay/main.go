package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"llm-relay/internal/adapter/recorder"
	"llm-relay/internal/domain"
	"llm-relay/internal/infra/config"
	"llm-relay/internal/infra/logger"
	"llm-relay/internal/infra/tracer"
	"llm-relay/internal/usecase/chat"
	"llm-relay/internal/usecase/refresh"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "models":
			if err := runModels(); err != nil {
				fmt.Fprintf(os.Stderr, "models: %v\n", err)
				os.Exit(1)
			}
			return
		case "usage":
			if err := runUsage(); err != nil {
				fmt.Fprintf(os.Stderr, "usage: %v\n", err)
				os.Exit(1)
			}
			return
		case "encrypt":
			if err := runEncrypt(); err != nil {
				fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`llm-relay - Streaming chat relay for OpenAI, Anthropic, OpenRouter, Ollama and Bedrock

USAGE:
    relay [COMMAND] [FLAGS] [PROMPT]

COMMANDS:
    models      Refresh and list every advertised model
    usage       Show recorded stream usage
    encrypt     Encrypt a secret for use in config.yaml

    (no command) - Send PROMPT and stream the reply; with no prompt,
                   start an interactive session

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)
    --model ID         Model to use (default: vendor-advertised default)
    --system TEXT      System instruction for the conversation
    --max-tokens N     Cap the reply length
    --temperature F    Sampling temperature

CONFIGURATION:
    Config file: ./config.yaml
    Environment: LLMRELAY_* variables override config
    Secrets:     api_key values may be enc:... (see 'relay encrypt')

EXAMPLES:
    relay "explain context cancellation in go"
    relay --model llama3.1:8b "hello"            # pick a model
    relay models                                 # list what is available
    echo "review this diff" | relay --system "be brief"
    LLMRELAY_VENDOR_OPENAI_API_KEY=sk-... relay "hi"`)
}

// cliFlags holds flags shared by the chat and listing paths. Tokens that
// are not flags become the prompt.
type cliFlags struct {
	Config      string
	Model       string
	System      string
	MaxTokens   int
	Temperature float64
	Prompt      string
}

func parseFlags(args []string) cliFlags {
	var flags cliFlags
	var prompt []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" && i+1 < len(args):
			flags.Config = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--config="):
			flags.Config = strings.TrimPrefix(args[i], "--config=")
		case args[i] == "--model" && i+1 < len(args):
			flags.Model = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--model="):
			flags.Model = strings.TrimPrefix(args[i], "--model=")
		case args[i] == "--system" && i+1 < len(args):
			flags.System = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--system="):
			flags.System = strings.TrimPrefix(args[i], "--system=")
		case args[i] == "--max-tokens" && i+1 < len(args):
			if n, err := strconv.Atoi(args[i+1]); err == nil {
				flags.MaxTokens = n
			}
			i++
		case strings.HasPrefix(args[i], "--max-tokens="):
			if n, err := strconv.Atoi(strings.TrimPrefix(args[i], "--max-tokens=")); err == nil {
				flags.MaxTokens = n
			}
		case args[i] == "--temperature" && i+1 < len(args):
			if f, err := strconv.ParseFloat(args[i+1], 64); err == nil {
				flags.Temperature = f
			}
			i++
		case strings.HasPrefix(args[i], "--temperature="):
			if f, err := strconv.ParseFloat(strings.TrimPrefix(args[i], "--temperature="), 64); err == nil {
				flags.Temperature = f
			}
		default:
			prompt = append(prompt, args[i])
		}
	}
	flags.Prompt = strings.Join(prompt, " ")
	return flags
}

func configPath(flags cliFlags) string {
	if flags.Config != "" {
		return flags.Config
	}
	if p := os.Getenv("LLMRELAY_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	flags := parseFlags(os.Args[1:])

	prompt := flags.Prompt
	if prompt == "" {
		prompt = readPipedPrompt()
	}

	cfg, err := config.Load(configPath(flags))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	stack, err := initLLM(cfg, log)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	defer stack.Close()

	var rec domain.UsageRecorder
	if cfg.Recorder.Enabled {
		sqlRec, err := recorder.NewSQLiteRecorder(cfg.Recorder.Path)
		if err != nil {
			return fmt.Errorf("recorder: %w", err)
		}
		defer sqlRec.Close()
		rec = sqlRec
	}

	dispatcher := chat.NewDispatcher(stack.Directory, rec, log)

	// First signal stops the stream cleanly, second one abandons draining.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
		<-sigCh
		os.Exit(1)
	}()

	refreshCtx, cancelRefresh := context.WithTimeout(ctx, 30*time.Second)
	if err := stack.Directory.RefreshAll(refreshCtx); err != nil {
		log.Warn("some vendors failed to refresh", "error", err)
	}
	cancelRefresh()

	if cfg.Refresh.Enabled {
		refresher, err := refresh.NewRefresher(cfg.Refresh.Schedule, stack.Directory.RefreshAll, log)
		if err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		refresher.Start(ctx)
		defer refresher.Stop()
	}

	opts := domain.SendOptions{MaxTokens: flags.MaxTokens, Temperature: flags.Temperature}

	if prompt != "" {
		messages := conversation(flags.System, nil, prompt)
		_, err := streamTurn(ctx, dispatcher, flags.Model, messages, opts)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	if !stdinIsTerminal() {
		showUsage()
		return fmt.Errorf("no prompt given (pass it as an argument or on stdin)")
	}
	return runInteractive(ctx, dispatcher, flags, opts)
}

// runInteractive reads prompts line by line, keeping the conversation so
// each turn carries the full history.
func runInteractive(ctx context.Context, dispatcher *chat.Dispatcher, flags cliFlags, opts domain.SendOptions) error {
	model := flags.Model
	if model == "" {
		fmt.Println("Interactive session; the default model answers. Type 'exit' to leave.")
	} else {
		fmt.Printf("Interactive session with %s. Type 'exit' to leave.\n", model)
	}

	var history []domain.Message
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		messages := conversation(flags.System, history, line)
		reply, err := streamTurn(ctx, dispatcher, model, messages, opts)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		history = append(history, domain.NewMessage(domain.RoleUser, line))
		if reply != "" {
			history = append(history, domain.NewMessage(domain.RoleAssistant, reply))
		}
	}
}

// streamTurn sends one request and prints deltas as they arrive, returning
// the assembled reply.
func streamTurn(ctx context.Context, dispatcher *chat.Dispatcher, model string, messages []domain.Message, opts domain.SendOptions) (string, error) {
	stream, err := dispatcher.Send(ctx, model, messages, opts)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var reply strings.Builder
	for delta := range stream.Deltas() {
		fmt.Print(delta.Text)
		reply.WriteString(delta.Text)
	}
	fmt.Println()

	if err := stream.Err(); err != nil {
		return reply.String(), err
	}
	return reply.String(), nil
}

func conversation(system string, history []domain.Message, prompt string) []domain.Message {
	var messages []domain.Message
	if system != "" {
		messages = append(messages, domain.NewMessage(domain.RoleSystem, system))
	}
	messages = append(messages, history...)
	messages = append(messages, domain.NewMessage(domain.RoleUser, prompt))
	return messages
}

func readPipedPrompt() string {
	if stdinIsTerminal() {
		return ""
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func runModels() error {
	flags := parseFlags(os.Args[2:])

	cfg, err := config.Load(configPath(flags))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	stack, err := initLLM(cfg, log)
	if err != nil {
		return err
	}
	defer stack.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := stack.Directory.RefreshAll(ctx); err != nil {
		log.Warn("some vendors failed to refresh", "error", err)
	}

	models := stack.Directory.Models()
	if len(models) == 0 {
		fmt.Println("no models advertised; check vendor configuration")
		return nil
	}

	fmt.Printf("%-44s %-12s %-28s %9s\n", "MODEL", "VENDOR", "NAME", "CONTEXT")
	for _, m := range models {
		if !m.UserSelectable {
			continue
		}
		marker := ""
		if m.Default {
			marker = "  (default)"
		}
		fmt.Printf("%-44s %-12s %-28s %9d%s\n", m.ID, m.Vendor, m.Name, m.ContextWindow, marker)
	}
	return nil
}

func runUsage() error {
	flags := parseFlags(os.Args[2:])

	cfg, err := config.Load(configPath(flags))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !cfg.Recorder.Enabled {
		return fmt.Errorf("usage accounting is disabled; set recorder.enabled in %s", configPath(flags))
	}

	rec, err := recorder.NewSQLiteRecorder(cfg.Recorder.Path)
	if err != nil {
		return err
	}
	defer rec.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	totals, err := rec.Totals(ctx)
	if err != nil {
		return err
	}
	if len(totals) == 0 {
		fmt.Println("no streams recorded yet")
		return nil
	}

	fmt.Printf("%-14s %8s %10s %12s\n", "VENDOR", "STREAMS", "DELTAS", "CHARS")
	for _, tot := range totals {
		fmt.Printf("%-14s %8d %10d %12d\n", tot.Vendor, tot.Streams, tot.Deltas, tot.Chars)
	}

	recent, err := rec.Recent(ctx, 20)
	if err != nil {
		return err
	}
	fmt.Printf("\n%-20s %-34s %-9s %7s %9s %10s\n", "STARTED", "MODEL", "STATUS", "DELTAS", "CHARS", "DURATION")
	for _, r := range recent {
		fmt.Printf("%-20s %-34s %-9s %7d %9d %10s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Model, r.Status, r.Deltas, r.Chars,
			r.Duration.Round(time.Millisecond),
		)
	}
	return nil
}

func runEncrypt() error {
	args := os.Args[2:]
	if len(args) != 1 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: relay encrypt <value>")
	}

	passphrase := os.Getenv("LLMRELAY_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("LLMRELAY_CONFIG_KEY must be set; the same key decrypts secrets at load time")
	}

	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}
