package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"telegate/internal/client"
	"telegate/internal/constants"
	"telegate/internal/logger"
	"telegate/internal/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("  %sError: %v%s\n", client.ColorRed, err, client.ColorReset)
		os.Exit(1)
	}
}

func run() error {
	var (
		serverURL   string
		rate        float64
		count       int
		radius      float64
		logTraffic  bool
		sendCommand string
		target      string
		redisAddr   string
		redisPass   string
		channel     string
		showVersion bool
	)

	flags := pflag.NewFlagSet("telegate-client", pflag.ContinueOnError)
	flags.StringVarP(&serverURL, "server", "s", utils.GetEnv("TELEGATE_SERVER", constants.DefaultServerURL), "gateway base URL")
	flags.Float64VarP(&rate, "rate", "r", 5, "position updates per second")
	flags.IntVarP(&count, "count", "n", 0, "stop after this many updates (0 = unlimited)")
	flags.Float64Var(&radius, "radius", 100, "radius of the simulated circular path")
	flags.BoolVar(&logTraffic, "log", false, "record every frame as JSON lines")
	flags.StringVar(&sendCommand, "send", "", "send a command instead of simulating a device")
	flags.StringVarP(&target, "target", "t", "", "session id for --send (default: all devices)")
	flags.StringVar(&redisAddr, "redis", "", "publish --send through Redis at host:port instead of HTTP")
	flags.StringVar(&redisPass, "redis-password", utils.GetEnv("REDIS_PASSWORD", ""), "Redis password")
	flags.StringVar(&channel, "channel", constants.DefaultCommandChannel, "Redis command channel")
	flags.BoolVarP(&showVersion, "version", "v", false, "show version")
	flags.Usage = func() {
		client.PrintBanner()
		fmt.Printf("  %sUsage:%s\n", client.ColorBold, client.ColorReset)
		fmt.Printf("    telegate-client %s[flags]%s              # simulate a device\n", client.ColorCyan, client.ColorReset)
		fmt.Printf("    telegate-client --send %sstop%s          # command every device\n", client.ColorCyan, client.ColorReset)
		fmt.Println()
		fmt.Printf("  %sFlags:%s\n", client.ColorBold, client.ColorReset)
		fmt.Print(flags.FlagUsages())
		fmt.Println()
	}

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("  %s%stelegate%s %sv%s%s\n", client.ColorBold, client.ColorCyan, client.ColorReset, client.ColorBold, constants.Version, client.ColorReset)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if sendCommand != "" {
		return send(ctx, serverURL, target, sendCommand, redisAddr, redisPass, channel)
	}
	return simulate(ctx, serverURL, rate, count, radius, logTraffic)
}

func send(ctx context.Context, serverURL, target, command, redisAddr, redisPass, channel string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dest := target
	if dest == "" {
		dest = "all devices"
	}

	if redisAddr != "" {
		if err := client.PublishCommand(ctx, redisAddr, redisPass, channel, target, command); err != nil {
			return fmt.Errorf("failed to publish command: %w", err)
		}
		client.PrintField("published", fmt.Sprintf("%q → %s", command, dest), client.ColorGreen)
		client.PrintField("channel", channel, client.ColorDim)
		return nil
	}

	resp, err := client.SendCommand(ctx, serverURL, target, command)
	if err != nil {
		return err
	}
	client.PrintField("sent", resp.Message, client.ColorGreen)
	client.PrintField("delivered", fmt.Sprintf("%d session(s)", resp.Delivered), client.ColorReset)
	return nil
}

func simulate(ctx context.Context, serverURL string, rate float64, count int, radius float64, logTraffic bool) error {
	client.PrintBanner()

	var trafficLog *logger.Logger
	if logTraffic {
		l, err := logger.NewLogger("device-" + uuid.NewString()[:8])
		if err != nil {
			fmt.Printf("  %s⚠ Traffic log disabled: %v%s\n", client.ColorYellow, err, client.ColorReset)
		} else {
			trafficLog = l
			defer trafficLog.Close()
		}
	}

	client.PrintField("gateway", utils.WebSocketURL(serverURL), client.ColorCyan)
	client.PrintField("rate", fmt.Sprintf("%.1f updates/s", rate), client.ColorReset)
	if count > 0 {
		client.PrintField("count", fmt.Sprint(count), client.ColorReset)
	}
	if path := trafficLog.GetLogPath(); path != "" {
		client.PrintField("logs", path, client.ColorDim)
	}
	client.PrintSep()
	client.PrintStep("Connecting...")

	sim := client.NewSimulator(client.Options{
		ServerURL: serverURL,
		Rate:      rate,
		Count:     count,
		Radius:    radius,
		Log:       trafficLog,
		OnFrame:   func(line string) { fmt.Print(line) },
	})

	err := sim.Run(ctx)
	client.PrintSummary(sim)

	if errors.Is(err, client.ErrStopped) {
		client.PrintHint("Stopped by operator")
		return nil
	}
	return err
}
