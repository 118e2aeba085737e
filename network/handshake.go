package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnauthorized indicates the server refused the session credentials.
var ErrUnauthorized = errors.New("network: unauthorized")

// AuthorizeFunc validates a hello and returns the user id bound to the
// session.
type AuthorizeFunc func(hello HelloMessage) (string, error)

// clientHandshake sends hello and waits for welcome.
func clientHandshake(conn *connection, hello HelloMessage, timeout time.Duration) (WelcomeMessage, error) {
	hello.Type = TypeHello
	hello.ProtocolVersion = ProtocolVersion
	hello.Timestamp = time.Now().UnixMilli()
	if err := conn.send(hello); err != nil {
		return WelcomeMessage{}, fmt.Errorf("send hello: %w", err)
	}

	payload, err := conn.receive(timeout)
	if err != nil {
		return WelcomeMessage{}, fmt.Errorf("read welcome: %w", err)
	}
	messageType, err := DecodeMessageType(payload)
	if err != nil {
		return WelcomeMessage{}, err
	}
	if messageType == TypeError {
		remoteErr := ErrorMessage{}
		if err := json.Unmarshal(payload, &remoteErr); err != nil {
			return WelcomeMessage{}, fmt.Errorf("decode remote error response: %w", err)
		}
		switch remoteErr.Code {
		case CodeUnsupportedVersion:
			return WelcomeMessage{}, fmt.Errorf("%w: server supports %v", ErrUnsupportedVersion, remoteErr.SupportedVersions)
		case CodeUnauthorized:
			return WelcomeMessage{}, fmt.Errorf("%w: %s", ErrUnauthorized, remoteErr.Message)
		}
		return WelcomeMessage{}, &remoteErr
	}
	if messageType != TypeWelcome {
		return WelcomeMessage{}, fmt.Errorf("expected %q, got %q", TypeWelcome, messageType)
	}

	var welcome WelcomeMessage
	if err := json.Unmarshal(payload, &welcome); err != nil {
		return WelcomeMessage{}, fmt.Errorf("decode welcome: %w", err)
	}
	if welcome.ProtocolVersion != ProtocolVersion {
		return WelcomeMessage{}, ErrUnsupportedVersion
	}
	return welcome, nil
}

// serverHandshake reads hello, authorizes it and answers welcome or error.
func serverHandshake(conn *connection, sessionID string, authorize AuthorizeFunc, timeout time.Duration) (HelloMessage, string, error) {
	payload, err := conn.receive(timeout)
	if err != nil {
		return HelloMessage{}, "", fmt.Errorf("read hello: %w", err)
	}
	messageType, err := DecodeMessageType(payload)
	if err != nil {
		return HelloMessage{}, "", err
	}
	if messageType != TypeHello {
		_ = conn.send(ErrorMessage{Type: TypeError, Code: CodeBadRequest, Message: "expected hello", Timestamp: time.Now().UnixMilli()})
		return HelloMessage{}, "", fmt.Errorf("expected %q, got %q", TypeHello, messageType)
	}

	var hello HelloMessage
	if err := json.Unmarshal(payload, &hello); err != nil {
		return HelloMessage{}, "", fmt.Errorf("decode hello: %w", err)
	}
	if hello.ProtocolVersion != ProtocolVersion {
		_ = conn.send(ErrorMessage{
			Type:              TypeError,
			Code:              CodeUnsupportedVersion,
			Message:           fmt.Sprintf("protocol version %d is not supported", hello.ProtocolVersion),
			SupportedVersions: []int{ProtocolVersion},
			Timestamp:         time.Now().UnixMilli(),
		})
		return HelloMessage{}, "", ErrUnsupportedVersion
	}

	userID := hello.UserID
	if authorize != nil {
		userID, err = authorize(hello)
	}
	if err == nil && userID == "" {
		err = errors.New("user id is required")
	}
	if err != nil {
		_ = conn.send(ErrorMessage{Type: TypeError, Code: CodeUnauthorized, Message: err.Error(), Timestamp: time.Now().UnixMilli()})
		return HelloMessage{}, "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	welcome := WelcomeMessage{
		Type:            TypeWelcome,
		SessionID:       sessionID,
		UserID:          userID,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}
	if err := conn.send(welcome); err != nil {
		return HelloMessage{}, "", fmt.Errorf("send welcome: %w", err)
	}
	return hello, userID, nil
}
