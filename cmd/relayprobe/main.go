// relayprobe streams a WAV file (or a typed utterance) through the relay's
// /ws endpoint and prints the events coming back.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/davidwalker2235/fulgencio-project/internal/audio"
	"github.com/davidwalker2235/fulgencio-project/internal/protocol"
)

type options struct {
	baseURL  string
	wavPath  string
	text     string
	outPath  string
	chunkMS  int
	realtime float64
	timeout  time.Duration
	verbose  bool
}

type wsEnvelope struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Message    string `json:"message,omitempty"`
	Status     any    `json:"status,omitempty"`
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var timeoutMS int

	fs := flag.NewFlagSet("relayprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8000", "relay base URL")
	fs.StringVar(&cfg.wavPath, "wav", "", "PCM16 WAV file to stream as microphone audio")
	fs.StringVar(&cfg.text, "text", "", "typed user utterance sent as conversation.item.create")
	fs.StringVar(&cfg.outPath, "out", "", "optional path for the assistant audio as WAV")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.IntVar(&timeoutMS, "timeout-ms", 30000, "how long to wait for response.done")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print every event type")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.text = strings.TrimSpace(cfg.text)
	switch {
	case cfg.baseURL == "":
		return options{}, fmt.Errorf("base-url is required")
	case cfg.wavPath == "" && cfg.text == "":
		return options{}, fmt.Errorf("one of -wav or -text is required")
	case cfg.chunkMS < 10 || cfg.chunkMS > 2000:
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	case cfg.realtime <= 0:
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	cfg.timeout = time.Duration(timeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	var pcm []byte
	if cfg.wavPath != "" {
		data, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return err
		}
		samples, rate, err := audio.DecodeWAV(data)
		if err != nil {
			return fmt.Errorf("decode %s: %w", cfg.wavPath, err)
		}
		pcm = audio.Resample(samples, rate, audio.RealtimeSampleRate)
	}

	wsURL, err := wsURLFor(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout+time.Duration(len(pcm))*time.Second/(audio.RealtimeSampleRate*2))
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	doneCh := make(chan []byte, 1)
	readErrCh := make(chan error, 1)
	go readLoop(conn, doneCh, readErrCh, cfg.verbose)

	if len(pcm) > 0 {
		if err := streamAudio(conn, pcm, cfg.chunkMS, cfg.realtime); err != nil {
			return fmt.Errorf("stream audio: %w", err)
		}
	}
	if cfg.text != "" {
		if err := conn.WriteJSON(userText(cfg.text)); err != nil {
			return fmt.Errorf("send text: %w", err)
		}
	}

	select {
	case assistantPCM := <-doneCh:
		if cfg.outPath != "" && len(assistantPCM) > 0 {
			if err := audio.WriteWAVFile(cfg.outPath, assistantPCM, audio.RealtimeSampleRate); err != nil {
				return fmt.Errorf("write %s: %w", cfg.outPath, err)
			}
			fmt.Printf("relayprobe: wrote %d bytes of assistant audio to %s\n", len(assistantPCM), cfg.outPath)
		}
		return nil
	case err := <-readErrCh:
		return fmt.Errorf("ws read: %w", err)
	case <-ctx.Done():
		return fmt.Errorf("no response.done before timeout")
	}
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func userText(text string) protocol.ConversationItemCreate {
	return protocol.ConversationItemCreate{
		Type: protocol.TypeConversationItemCreate,
		Item: protocol.ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []protocol.ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

// readLoop prints events and collects assistant audio until response.done.
func readLoop(conn *websocket.Conn, doneCh chan<- []byte, readErrCh chan<- error, verbose bool) {
	var assistantPCM []byte
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErrCh <- err
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeResponseAudioDelta:
			if chunk, err := base64.StdEncoding.DecodeString(env.Delta); err == nil {
				assistantPCM = append(assistantPCM, chunk...)
			}
			continue
		case protocol.TypeTranscriptionCompleted:
			fmt.Printf("relayprobe: user said %q\n", env.Transcript)
		case protocol.TypeError:
			fmt.Fprintf(os.Stderr, "relayprobe: error %s\n", env.Message)
		case protocol.TypeStatusUpdate:
			fmt.Printf("relayprobe: status %v\n", env.Status)
		case protocol.TypeResponseDone:
			doneCh <- assistantPCM
			return
		}
		if verbose {
			fmt.Printf("relayprobe: event %s\n", env.Type)
		}
	}
}

func streamAudio(conn *websocket.Conn, pcm []byte, chunkMS int, realtime float64) error {
	bytesPerChunk := audio.RealtimeSampleRate * 2 * chunkMS / 1000
	bytesPerChunk -= bytesPerChunk % 2
	pause := time.Duration(float64(time.Duration(chunkMS)*time.Millisecond) / realtime)
	for off := 0; off < len(pcm); off += bytesPerChunk {
		end := min(off+bytesPerChunk, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return err
		}
		time.Sleep(pause)
	}
	return nil
}
