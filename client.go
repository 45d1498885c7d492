package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

func dialDaemon() (net.Conn, error) {
	cfg, err := parseEnv()
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("unix", cfg.socketPath())
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w (is `carlinkd daemon` running?)", err)
	}
	return conn, nil
}

func ipcCall(req IPCRequest) (IPCResponse, error) {
	conn, err := dialDaemon()
	if err != nil {
		return IPCResponse{}, err
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// runCommand sends one request and prints the resulting state.
func runCommand(command string, args ...string) error {
	resp, err := ipcCall(IPCRequest{Command: command, Args: args})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	return json.NewEncoder(os.Stdout).Encode(resp)
}

// runWatch prints one line per state change until the daemon goes away.
func runWatch() error {
	conn, err := dialDaemon()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(IPCRequest{Command: "watch"}); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	dec := json.NewDecoder(conn)
	out := json.NewEncoder(os.Stdout)
	for {
		var resp IPCResponse
		if err := dec.Decode(&resp); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read response: %w", err)
		}
		if resp.Error != "" {
			return fmt.Errorf("%s", resp.Error)
		}
		if err := out.Encode(resp); err != nil {
			return err
		}
	}
}
