// Package ipc is the unix-socket control channel between yara-ctl and the
// daemon. One JSON request and one JSON reply per connection.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	log "log/slog"
	"net"
	"os"
	"time"
)

const SocketPath = "/tmp/yara.sock"

const (
	CmdListen      = "listen"
	CmdStop        = "stop"
	CmdWake        = "wake"
	CmdSay         = "say"
	CmdFile        = "file"
	CmdWakeWord    = "wakeword"
	CmdVoiceMode   = "voicemode"
	CmdClear       = "clear"
	CmdStatus      = "status"
	CmdSensitivity = "sensitivity"
)

var Commands = []string{
	CmdListen, CmdStop, CmdWake, CmdSay, CmdFile,
	CmdWakeWord, CmdVoiceMode, CmdClear, CmdStatus, CmdSensitivity,
}

type ControlMessage struct {
	Cmd string `json:"cmd"`
	Arg string `json:"arg,omitempty"`
}

type Reply struct {
	OK    bool   `json:"ok"`
	State string `json:"state,omitempty"`
	Info  string `json:"info,omitempty"`
	Error string `json:"error,omitempty"`
}

type Handler func(ControlMessage) Reply

type Server struct {
	ln   net.Listener
	path string
}

func StartServer(socketPath string, handler Handler) (*Server, error) {
	if socketPath == "" {
		socketPath = SocketPath
	}
	os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	s := &Server{ln: ln, path: socketPath}
	go s.serve(handler)
	return s, nil
}

func (s *Server) serve(handler Handler) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn("ipc accept failed", "err", err)
			continue
		}
		go handleConn(conn, handler)
	}
}

func (s *Server) Close() error {
	err := s.ln.Close()
	os.Remove(s.path)
	return err
}

func handleConn(conn net.Conn, handler Handler) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	var msg ControlMessage
	if err := json.NewDecoder(conn).Decode(&msg); err != nil {
		log.Debug("ipc bad request", "err", err)
		json.NewEncoder(conn).Encode(Reply{Error: "bad request"})
		return
	}

	log.Debug("ipc command", "cmd", msg.Cmd, "arg", msg.Arg)
	if err := json.NewEncoder(conn).Encode(handler(msg)); err != nil {
		log.Debug("ipc reply failed", "err", err)
	}
}

func SendCommand(socketPath string, msg ControlMessage) (Reply, error) {
	if socketPath == "" {
		socketPath = SocketPath
	}

	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return Reply{}, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(35 * time.Second))

	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return Reply{}, fmt.Errorf("send: %w", err)
	}

	var reply Reply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return Reply{}, fmt.Errorf("read reply: %w", err)
	}
	return reply, nil
}
