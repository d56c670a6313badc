package telegram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"confessbot/internal/faults"
)

const textLimit = 4000

// ParseChannel splits "<chat id>[:<topic id>]".
func ParseChannel(raw string) (chatID int64, threadID int, err error) {
	raw = strings.TrimSpace(raw)
	chatPart, topicPart, hasTopic := strings.Cut(raw, ":")
	chatID, err = strconv.ParseInt(chatPart, 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, faults.Permanent(fmt.Errorf("invalid telegram chat %q", raw))
	}
	if hasTopic {
		threadID, err = strconv.Atoi(topicPart)
		if err != nil || threadID < 0 {
			return 0, 0, faults.Permanent(fmt.Errorf("invalid telegram topic %q", raw))
		}
	}
	return chatID, threadID, nil
}

// FormatChannel is the inverse of ParseChannel.
func FormatChannel(chatID int64, threadID int) string {
	s := strconv.FormatInt(chatID, 10)
	if threadID > 0 {
		s += ":" + strconv.Itoa(threadID)
	}
	return s
}

var permanentDescriptions = []string{
	"chat not found",
	"bot was blocked",
	"bot was kicked",
	"bot is not a member",
	"not enough rights",
	"have no rights to send",
	"need administrator rights",
	"chat_write_forbidden",
	"user is deactivated",
	"group chat was upgraded",
	"message thread not found",
}

// classify maps telebot errors onto fault classes.
func classify(err error) error {
	if err == nil || faults.IsPermanent(err) || faults.IsTransient(err) {
		return err
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return faults.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	if errors.Is(err, tele.ErrChatNotFound) || errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrKickedFromGroup) || errors.Is(err, tele.ErrKickedFromSuperGroup) {
		return faults.Permanent(err)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		if te.Code == 403 {
			return faults.Permanent(err)
		}
		if te.Code == 400 && hasPermanentDescription(te.Description) {
			return faults.Permanent(err)
		}
		return faults.Transient(err)
	}
	if hasPermanentDescription(err.Error()) {
		return faults.Permanent(err)
	}
	return faults.Transient(err)
}

func hasPermanentDescription(s string) bool {
	s = strings.ToLower(s)
	for _, d := range permanentDescriptions {
		if strings.Contains(s, d) {
			return true
		}
	}
	return false
}
