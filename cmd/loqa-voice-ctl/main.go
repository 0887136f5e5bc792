package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

var version = "0.1.0-dev"

const frameSamples = 320

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'stream', 'grammar', 'control', 'start', 'stop' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "stream":
		err = runStream(os.Args[2:])
	case "grammar":
		err = runGrammar(os.Args[2:])
	case "control":
		err = runControl(os.Args[2:])
	case "start", "stop":
		err = runSession(os.Args[1], os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect(servers string) (*bus.Client, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(context.Background(), config.BusConfig{
		Servers:        strings.Split(servers, ","),
		ConnectTimeout: 2000,
	}, logger)
}

func request(servers, subject string, body any) error {
	client, err := connect(servers)
	if err != nil {
		return err
	}
	defer client.Close()

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	msg, err := client.Conn().Request(subject, data, 5*time.Second)
	if err != nil {
		return fmt.Errorf("%s: %w", subject, err)
	}
	fmt.Println(string(msg.Data))
	return nil
}

func runGrammar(args []string) error {
	fs := flag.NewFlagSet("grammar", flag.ExitOnError)
	servers := fs.String("servers", nats.DefaultURL, "Comma separated NATS servers")
	words := fs.String("words", "", "Comma separated vocabulary; empty clears the grammar")
	_ = fs.Parse(args)

	var list []string
	for _, w := range strings.Split(*words, ",") {
		if w = strings.TrimSpace(w); w != "" {
			list = append(list, w)
		}
	}
	return request(*servers, protocol.SubjectGrammarSet, protocol.GrammarUpdate{Words: list, Timestamp: time.Now().UTC()})
}

func runControl(args []string) error {
	fs := flag.NewFlagSet("control", flag.ExitOnError)
	servers := fs.String("servers", nats.DefaultURL, "Comma separated NATS servers")
	threshold := fs.Float64("threshold", -1, "Speech threshold in [0,1]; negative leaves it unchanged")
	language := fs.String("language", "", "Language hint (auto, zh, en, ja, ko, yue)")
	_ = fs.Parse(args)

	var update protocol.ControlUpdate
	if *threshold >= 0 {
		update.SpeechThreshold = threshold
	}
	if *language != "" {
		update.Language = language
	}
	if update.SpeechThreshold == nil && update.Language == nil {
		return errors.New("nothing to change: pass -threshold or -language")
	}
	return request(*servers, protocol.SubjectControlSet, update)
}

func runSession(action string, args []string) error {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	servers := fs.String("servers", nats.DefaultURL, "Comma separated NATS servers")
	id := fs.String("session", "", "Session id")
	_ = fs.Parse(args)
	if *id == "" {
		return errors.New("-session is required")
	}
	subject := protocol.SubjectSessionStart
	if action == "stop" {
		subject = protocol.SubjectSessionStop
	}
	return request(*servers, subject, protocol.SessionControl{SessionID: *id})
}

// runStream plays a WAV file into a session at real-time pace and prints
// every result message until the trailing silence has been flushed.
func runStream(args []string) error {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	servers := fs.String("servers", nats.DefaultURL, "Comma separated NATS servers")
	file := fs.String("file", "", "16 kHz PCM16 WAV file")
	id := fs.String("session", "ctl", "Session id")
	tail := fs.Duration("tail", time.Second, "Silence appended after the file")
	wait := fs.Duration("wait", 5*time.Second, "How long to wait for the last result")
	_ = fs.Parse(args)
	if *file == "" {
		return errors.New("-file is required")
	}

	f, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer f.Close()
	clip, err := audio.ReadWAV(f)
	if err != nil {
		return err
	}
	if clip.SampleRate != audio.SampleRate {
		return fmt.Errorf("%s is %d Hz, need %d Hz", *file, clip.SampleRate, audio.SampleRate)
	}
	samples := clip.Mono()
	silence := make([]int16, int(tail.Seconds()*audio.SampleRate))

	client, err := connect(*servers)
	if err != nil {
		return err
	}
	defer client.Close()

	ended := make(chan struct{}, 1)
	sub, err := client.Conn().Subscribe(protocol.ResultSubject(*id), func(msg *nats.Msg) {
		fmt.Println(string(msg.Data))
		if string(msg.Data) == protocol.EndOfUtterance {
			select {
			case ended <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	pace := time.Duration(frameSamples) * time.Second / audio.SampleRate
	ticker := time.NewTicker(pace)
	defer ticker.Stop()
	seq := 0
	send := func(pcm []int16) error {
		for off := 0; off < len(pcm); off += frameSamples {
			frame := protocol.AudioFrame{
				SessionID:  *id,
				Sequence:   seq,
				SampleRate: audio.SampleRate,
				Channels:   1,
				PCM:        audio.PCM16ToBytes(pcm[off:min(off+frameSamples, len(pcm))]),
			}
			if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+"."+*id, frame); err != nil {
				return err
			}
			seq++
			<-ticker.C
		}
		return nil
	}

	if err := send(samples); err != nil {
		return err
	}
	// Only the utterance ended by the trailing silence counts.
	select {
	case <-ended:
	default:
	}
	if err := send(silence); err != nil {
		return err
	}

	select {
	case <-ended:
	case <-time.After(*wait):
		fmt.Fprintln(os.Stderr, "no end of utterance before timeout")
	}
	if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+"."+*id, protocol.AudioFrame{SessionID: *id, Final: true}); err != nil {
		return err
	}
	return client.Conn().Flush()
}
