package discord

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"confessbot/internal/faults"
)

// Discord JSON error codes that mean the destination is gone or forbidden.
var permanentCodes = map[int]bool{
	discordgo.ErrCodeUnknownChannel:               true,
	discordgo.ErrCodeUnknownGuild:                 true,
	discordgo.ErrCodeMissingAccess:                true,
	discordgo.ErrCodeMissingPermissions:           true,
	discordgo.ErrCodeCannotSendMessagesToThisUser: true,
}

// classify maps discordgo errors onto fault classes.
func classify(err error) error {
	if err == nil || faults.IsPermanent(err) || faults.IsTransient(err) {
		return err
	}
	var re *discordgo.RESTError
	if !errors.As(err, &re) {
		return faults.Transient(err)
	}
	if re.Message != nil && permanentCodes[re.Message.Code] {
		return faults.Permanent(err)
	}
	if re.Response == nil {
		return faults.Transient(err)
	}
	switch code := re.Response.StatusCode; {
	case code == http.StatusTooManyRequests:
		return faults.RetryAfter(err, retryAfter(re.Response.Header.Get("Retry-After")))
	case code == http.StatusForbidden, code == http.StatusNotFound:
		return faults.Permanent(err)
	default:
		return faults.Transient(err)
	}
}

func retryAfter(h string) time.Duration {
	secs, err := strconv.ParseFloat(strings.TrimSpace(h), 64)
	if err != nil || secs <= 0 {
		return time.Second
	}
	return time.Duration(secs * float64(time.Second))
}
