package main

import (
	"fmt"
	"math"
	"net/url"
	"strconv"

	"github.com/dmksnnk/lobby/internal/session"
	"github.com/go-playground/form/v4"
)

// settingsForm is the -settings flag of the host command.
type settingsForm struct {
	Public         int32                    `form:"public"`
	Private        int32                    `form:"private"`
	Advertise      bool                     `form:"advertise"`
	Dedicated      bool                     `form:"dedicated"`
	JoinInProgress bool                     `form:"join-in-progress"`
	Invites        bool                     `form:"invites"`
	Presence       bool                     `form:"presence"`
	AntiCheat      bool                     `form:"anti-cheat"`
	Custom         map[string]session.Value `form:"custom"`
}

func (f settingsForm) settings() session.Settings {
	s := session.Settings{
		NumPublicConnections:  f.Public,
		NumPrivateConnections: f.Private,
		ShouldAdvertise:       f.Advertise,
		IsLANMatch:            true,
		IsDedicated:           f.Dedicated,
		AllowJoinInProgress:   f.JoinInProgress,
		AllowInvites:          f.Invites,
		UsesPresence:          f.Presence,
		AntiCheatProtected:    f.AntiCheat,
	}
	for key, v := range f.Custom {
		s.Set(key, v, session.ViaOnlineService)
	}

	return s
}

func newFormDecoder() *form.Decoder {
	decoder := form.NewDecoder()
	decoder.RegisterCustomTypeFunc(func(s []string) (interface{}, error) {
		if len(s) == 0 {
			return session.Value{}, nil
		}
		return parseValue(s[0]), nil
	}, session.Value{})

	return decoder
}

// parseValue picks the narrowest type the text parses as.
func parseValue(text string) session.Value {
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return session.Int32(int32(n))
		}
		return session.Int64(n)
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return session.Double(f)
	}
	if b, err := strconv.ParseBool(text); err == nil {
		return session.Bool(b)
	}
	return session.String(text)
}

func decodeSettings(decoder *form.Decoder, query string) (session.Settings, error) {
	values, err := url.ParseQuery(query)
	if err != nil {
		return session.Settings{}, fmt.Errorf("parse settings: %w", err)
	}

	var f settingsForm
	if err := decoder.Decode(&f, values); err != nil {
		return session.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if f.Public < 0 || f.Private < 0 {
		return session.Settings{}, fmt.Errorf("negative number of connections")
	}

	return f.settings(), nil
}

// decodeFilter parses KEY=VALUE pairs to match against custom settings.
func decodeFilter(query string) (map[string]session.Value, error) {
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}

	filter := make(map[string]session.Value, len(values))
	for key, vs := range values {
		filter[key] = parseValue(vs[0])
	}

	return filter, nil
}
