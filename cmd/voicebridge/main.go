package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/sebas/voicebridge/internal/banner"
	"github.com/sebas/voicebridge/internal/bridge/app"
	"github.com/sebas/voicebridge/internal/bridge/config"
	"github.com/sebas/voicebridge/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	logger.InitLogger(os.Stdout)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		return 2
	}
	logger.SetLevel(cfg.LogLevel)
	routeSIPLogs(cfg.LogLevel)

	bridge, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to create bridge", "error", err)
		return 1
	}
	defer bridge.Close()

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bridge.Run(ctx); err != nil {
		slog.Error("Bridge stopped with error", "error", err)
		return 1
	}
	slog.Info("VoiceBridge stopped")
	return 0
}

// routeSIPLogs sends sipgo's zerolog output through the shared line format.
func routeSIPLogs(level string) {
	zlog.Logger = zerolog.New(logger.Writer(os.Stdout)).With().Timestamp().Logger()
	if logger.ParseLevel(level) <= slog.LevelDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
}

func printBanner(cfg *config.Config) {
	lines := []banner.ConfigLine{
		{Label: "Mode", Value: cfg.Mode},
		{Label: "HTTP", Value: cfg.HTTPAddr()},
		{Label: "gRPC health", Value: portOrOff(cfg.GRPCPort)},
		{Label: "AI endpoint", Value: cfg.AIURL},
		{Label: "AI model", Value: cfg.AIModel},
		{Label: "AI key", Value: banner.Mask(cfg.AIKey)},
		{Label: "Voice", Value: cfg.AIVoice},
		{Label: "Sample rates", Value: strconv.Itoa(cfg.TelephonyRateHz) + " / " + strconv.Itoa(cfg.AIRateHz)},
	}
	if cfg.Mode == config.ModeSIP {
		lines = append(lines,
			banner.ConfigLine{Label: "SIP", Value: cfg.SIPBind + ":" + strconv.Itoa(cfg.SIPPort)},
			banner.ConfigLine{Label: "Advertise", Value: cfg.AdvertiseAddr},
			banner.ConfigLine{Label: "RTP ports", Value: strconv.Itoa(cfg.RTPPortMin) + "-" + strconv.Itoa(cfg.RTPPortMax)},
		)
	} else {
		lines = append(lines,
			banner.ConfigLine{Label: "Call control", Value: cfg.CallControlURL},
			banner.ConfigLine{Label: "Media URL", Value: cfg.MediaPublicURL},
			banner.ConfigLine{Label: "Media framing", Value: cfg.MediaFraming + "/" + cfg.MediaCodec},
		)
	}
	banner.Fprint(os.Stdout, "VoiceBridge", lines)
}

func portOrOff(port int) string {
	if port <= 0 {
		return "off"
	}
	return strconv.Itoa(port)
}
