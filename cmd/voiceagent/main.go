// Command voiceagent wires a push-to-talk voice session orchestrator
// to real microphone/speaker hardware and a chosen ASR/LLM vendor
// pair.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voicesession/orchestrator/pkg/collab/agent"
	"github.com/voicesession/orchestrator/pkg/collab/asr"
	"github.com/voicesession/orchestrator/pkg/collab/capture"
	"github.com/voicesession/orchestrator/pkg/collab/playback"
	"github.com/voicesession/orchestrator/pkg/orchestrator"
)

const (
	sampleRate = 44100
	channels   = 1
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	groqKey := os.Getenv("GROQ_API_KEY")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	googleKey := os.Getenv("GOOGLE_API_KEY")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	assemblyKey := os.Getenv("ASSEMBLYAI_API_KEY")
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")

	sttProviderName := envOr("STT_PROVIDER", "groq")
	agentProviderName := envOr("LLM_PROVIDER", "groq")
	systemPrompt := envOr("AGENT_SYSTEM_PROMPT", "You are a helpful and concise voice assistant. Use short sentences suitable for speech.")

	if lokutorKey == "" {
		log.Fatal("Error: LOKUTOR_API_KEY must be set.")
	}

	var asrCollab orchestrator.ASR
	switch sttProviderName {
	case "openai":
		requireEnv("OPENAI_API_KEY", openaiKey)
		a := asr.NewOpenAI(openaiKey, "")
		a.SetSampleRate(sampleRate)
		asrCollab = a
	case "deepgram":
		requireEnv("DEEPGRAM_API_KEY", deepgramKey)
		d := asr.NewDeepgram(deepgramKey)
		d.SetSampleRate(sampleRate)
		asrCollab = d
	case "assemblyai":
		requireEnv("ASSEMBLYAI_API_KEY", assemblyKey)
		asrCollab = asr.NewAssemblyAI(assemblyKey)
	case "groq":
		fallthrough
	default:
		requireEnv("GROQ_API_KEY", groqKey)
		g := asr.NewGroq(groqKey, envOr("GROQ_STT_MODEL", ""))
		g.SetSampleRate(sampleRate)
		asrCollab = g
	}

	memory := agent.NewMemory(systemPrompt, 20)

	var agentCollab orchestrator.Agent
	switch agentProviderName {
	case "openai":
		requireEnv("OPENAI_API_KEY", openaiKey)
		agentCollab = agent.NewOpenAI(openaiKey, "", memory)
	case "anthropic":
		requireEnv("ANTHROPIC_API_KEY", anthropicKey)
		agentCollab = agent.NewAnthropic(anthropicKey, "", memory)
	case "google":
		requireEnv("GOOGLE_API_KEY", googleKey)
		agentCollab = agent.NewGoogle(googleKey, "", memory)
	case "groq":
		fallthrough
	default:
		requireEnv("GROQ_API_KEY", groqKey)
		agentCollab = agent.NewGroq(groqKey, "", memory)
	}

	captureDevice, err := capture.NewDevice(sampleRate, channels)
	if err != nil {
		log.Fatalf("failed to open capture device: %v", err)
	}
	defer captureDevice.Close()

	playbackDevice, err := playback.NewDevice(lokutorKey, sampleRate, channels)
	if err != nil {
		log.Fatalf("failed to open playback device: %v", err)
	}
	defer playbackDevice.Close()

	fmt.Printf("Configured: STT=%s | Agent=%s | TTS=Lokutor\n", sttProviderName, agentProviderName)
	fmt.Println("Voice agent started. SIGUSR1 toggles the mic, Ctrl+C stops.")

	orch := orchestrator.NewWithLogger(
		captureDevice, asrCollab, agentCollab, playbackDevice,
		orchestrator.DefaultConfig(),
		nil,
		orchestrator.NewStdAuditSink(nil),
		nil,
	)

	orch.OnStateChanged(func(previous, current orchestrator.VoiceState, reason *orchestrator.VoiceEndReason) {
		if reason != nil {
			fmt.Printf("\r\033[K[%s -> %s] reason=%s\n", previous, current, *reason)
			return
		}
		fmt.Printf("\r\033[K[%s -> %s]\n", previous, current)
	})
	orch.OnProgress(func(kind orchestrator.ProgressKind, text string, sessionID string) {
		switch kind {
		case orchestrator.ProgressTranscriptReady:
			fmt.Printf("\r\033[K[TRANSCRIPT] %s\n", text)
		case orchestrator.ProgressAgentResponseReady:
			fmt.Printf("\r\033[K[RESPONSE] %s\n", text)
		}
	})

	orch.Start()
	defer orch.Stop(2 * time.Second)

	go func() {
		for {
			time.Sleep(200 * time.Millisecond)
			fmt.Printf("\r[MIC ENERGY: %.5f]", captureDevice.Meter.Level())
		}
	}()

	micDown := make(chan os.Signal, 1)
	signal.Notify(micDown, syscall.SIGUSR1)
	listening := false
	go func() {
		for range micDown {
			if listening {
				orch.EnqueueMicUp()
			} else {
				orch.EnqueueMicDown()
			}
			listening = !listening
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireEnv(name, value string) {
	if value == "" {
		log.Fatalf("Error: %s must be set", name)
	}
}
