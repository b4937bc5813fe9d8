// Command devicesim plays a teddy bear against a running bridge: it
// authenticates, streams a raw PCM16 file or sends a text turn, and saves the
// spoken replies.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/domain"
	"github.com/satriahrh/storyteller/server/internal/api"
	"github.com/satriahrh/storyteller/server/internal/audio"
)

const frameDuration = 20 * time.Millisecond

func main() {
	server := flag.String("server", "localhost:8080", "bridge host:port")
	serial := flag.String("serial", "BEAR001", "device serial number")
	secret := flag.String("secret", "secret123", "device secret key")
	pcmPath := flag.String("pcm", "", "raw 16kHz mono PCM16 file to stream")
	text := flag.String("text", "", "text turn to send instead of audio")
	outDir := flag.String("out", "audio_responses", "directory for received audio")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	auth, err := authenticateDevice(*server, *serial, *secret)
	if err != nil {
		logger.Fatal("Failed to authenticate device", zap.Error(err))
	}
	logger.Info("Authenticated device", zap.String("deviceID", auth.DeviceID))

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	u := url.URL{Scheme: "ws", Host: *server, Path: "/ws"}
	headers := http.Header{}
	headers.Add("Authorization", "Bearer "+auth.Token)

	c, _, err := websocket.DefaultDialer.Dial(u.String(), headers)
	if err != nil {
		logger.Fatal("Dial failed", zap.String("url", u.String()), zap.Error(err))
	}
	defer c.Close()

	r := &receiver{outDir: *outDir, connected: make(chan struct{}), logger: logger}
	done := make(chan struct{})
	go r.run(c, done)

	select {
	case <-r.connected:
	case <-done:
		return
	case <-time.After(30 * time.Second):
		logger.Fatal("Bridge never reported connected")
	}

	switch {
	case *text != "":
		err = sendJSON(c, map[string]any{"type": "text", "text": *text})
	case *pcmPath != "":
		err = streamFile(c, *pcmPath, logger)
	default:
		err = sendJSON(c, map[string]any{"type": "start_conversation"})
	}
	if err != nil {
		logger.Error("Failed to send turn", zap.Error(err))
	}

	select {
	case <-done:
	case <-interrupt:
		logger.Info("Interrupted, disconnecting")
		_ = sendJSON(c, map[string]any{"type": "disconnect"})
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func authenticateDevice(server, serial, secret string) (*api.DeviceAuthResponse, error) {
	jsonData, err := json.Marshal(api.DeviceAuthRequest{SerialNumber: serial, SecretKey: secret})
	if err != nil {
		return nil, err
	}

	resp, err := http.Post("http://"+server+"/api/v1/device/auth", "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authentication failed: %s", string(body))
	}

	var authResp api.DeviceAuthResponse
	if err := json.Unmarshal(body, &authResp); err != nil {
		return nil, err
	}
	return &authResp, nil
}

// streamFile sends the file as binary frames paced in real time, then ends
// the stream.
func streamFile(c *websocket.Conn, path string, logger *zap.Logger) error {
	pcm, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	frames := audio.Chunk(pcm, audio.DeviceRate, frameDuration)
	logger.Info("Streaming audio", zap.String("file", path), zap.Int("frames", len(frames)))

	for _, frame := range frames {
		if err := c.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return err
		}
		time.Sleep(frameDuration)
	}
	return sendJSON(c, map[string]any{"type": "end_stream"})
}

func sendJSON(c *websocket.Conn, message map[string]any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

type receiver struct {
	outDir    string
	connected chan struct{}
	logger    *zap.Logger

	file   *os.File
	chunks int
}

func (r *receiver) run(c *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer r.closeFile()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			r.logger.Info("Connection closed", zap.Error(err))
			return
		}

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &head); err != nil {
			r.logger.Warn("Unreadable message", zap.Error(err))
			continue
		}

		switch head.Type {
		case domain.TypeConnected:
			r.logger.Info("Connected", zap.ByteString("message", message))
			close(r.connected)
		case domain.TypeAudioResponse:
			var msg domain.AudioResponseMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				continue
			}
			r.writeAudio(msg.AudioData)
		case domain.TypeResponseComplete:
			r.logger.Info("Response complete", zap.Int("audioChunks", r.chunks))
			r.closeFile()
		default:
			r.logger.Info("Received", zap.String("type", head.Type), zap.ByteString("message", message))
		}
	}
}

func (r *receiver) writeAudio(data string) {
	pcm, err := audio.DecodeBase64(data)
	if err != nil {
		r.logger.Warn("Bad audio payload", zap.Error(err))
		return
	}
	if r.file == nil {
		if err := os.MkdirAll(r.outDir, 0755); err != nil {
			r.logger.Error("Failed to create audio directory", zap.Error(err))
			return
		}
		name := filepath.Join(r.outDir, fmt.Sprintf("%d.pcm", time.Now().UnixNano()))
		if r.file, err = os.Create(name); err != nil {
			r.logger.Error("Failed to create audio file", zap.Error(err))
			return
		}
		r.chunks = 0
		r.logger.Info("Saving audio response", zap.String("file", name))
	}
	r.chunks++
	if _, err := r.file.Write(pcm); err != nil {
		r.logger.Warn("Failed to write audio", zap.Error(err))
	}
}

func (r *receiver) closeFile() {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
}
