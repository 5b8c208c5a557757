package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type jsoncConfig struct {
	Link    *jsoncLink    `json:"link"`
	Adapter *jsoncAdapter `json:"adapter"`
	Feed    *jsoncServer  `json:"feed"`
	Health  *jsoncServer  `json:"health"`
	Notify  *jsoncNotify  `json:"notify"`
}

type jsoncLink struct {
	Kind          *string          `json:"kind"`
	Target        *string          `json:"target"`
	Listen        *jsoncListenAddr `json:"listen"`
	Baud          *int             `json:"baud"`
	DialTimeoutMS *int             `json:"dial_timeout_ms"`
	Bluetooth     *jsoncBluetooth  `json:"bluetooth"`
}

type jsoncListenAddr struct {
	Secure   *string `json:"secure"`
	Insecure *string `json:"insecure"`
}

type jsoncBluetooth struct {
	Address *string `json:"address"`
	Adapter *string `json:"adapter"`
}

type jsoncAdapter struct {
	Protocol         *string `json:"protocol"`
	Imperial         *bool   `json:"imperial"`
	CommandTimeoutMS *int    `json:"command_timeout_ms"`
	ResetSettleMS    *int    `json:"reset_settle_ms"`
}

type jsoncServer struct {
	Enable *bool   `json:"enable"`
	Addr   *string `json:"addr"`
}

type jsoncNotify struct {
	Enable    *bool   `json:"enable"`
	AppName   *string `json:"app_name"`
	TimeoutMS *int    `json:"timeout_ms"`
}

func parseJSONC(content string, base Config) (Config, []Warning, error) {
	normalized, err := normalizeJSONC(content)
	if err != nil {
		return Config{}, nil, err
	}

	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}

	cfg := base
	payload.applyTo(&cfg)

	warnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, warnings, nil
}

func (payload jsoncConfig) applyTo(cfg *Config) {
	if l := payload.Link; l != nil {
		setString(&cfg.Link.Kind, l.Kind)
		setString(&cfg.Link.Target, l.Target)
		if l.Listen != nil {
			setString(&cfg.Link.ListenSecure, l.Listen.Secure)
			setString(&cfg.Link.ListenInsecure, l.Listen.Insecure)
		}
		setInt(&cfg.Link.Baud, l.Baud)
		setInt(&cfg.Link.DialTimeoutMS, l.DialTimeoutMS)
		if l.Bluetooth != nil {
			setString(&cfg.Link.BluetoothAddress, l.Bluetooth.Address)
			setString(&cfg.Link.BluetoothAdapter, l.Bluetooth.Adapter)
		}
	}

	if a := payload.Adapter; a != nil {
		setString(&cfg.Adapter.Protocol, a.Protocol)
		if a.Imperial != nil {
			cfg.Adapter.Imperial = *a.Imperial
		}
		setInt(&cfg.Adapter.CommandTimeoutMS, a.CommandTimeoutMS)
		setInt(&cfg.Adapter.ResetSettleMS, a.ResetSettleMS)
	}

	payload.Feed.applyTo(&cfg.Feed)
	payload.Health.applyTo(&cfg.Health)

	if n := payload.Notify; n != nil {
		if n.Enable != nil {
			cfg.Notify.Enable = *n.Enable
		}
		setString(&cfg.Notify.AppName, n.AppName)
		setInt(&cfg.Notify.TimeoutMS, n.TimeoutMS)
	}
}

func (s *jsoncServer) applyTo(cfg *ServerConfig) {
	if s == nil {
		return
	}
	if s.Enable != nil {
		cfg.Enable = *s.Enable
	}
	setString(&cfg.Addr, s.Addr)
}

func setString(dst *string, value *string) {
	if value != nil {
		*dst = strings.TrimSpace(*value)
	}
}

func setInt(dst *int, value *int) {
	if value != nil {
		*dst = *value
	}
}

func normalizeJSONC(content string) (string, error) {
	withoutComments, err := stripJSONCComments(content)
	if err != nil {
		return "", err
	}
	return stripJSONCTrailingCommas(withoutComments), nil
}

func stripJSONCComments(content string) (string, error) {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false
	lineComment := false
	blockComment := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if lineComment {
			if ch == '\n' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			if ch == '\r' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			out.WriteByte(' ')
			continue
		}

		if blockComment {
			if ch == '*' && i+1 < len(content) && content[i+1] == '/' {
				blockComment = false
				out.WriteString("  ")
				i++
				continue
			}
			if ch == '\n' || ch == '\r' || ch == '\t' {
				out.WriteByte(ch)
			} else {
				out.WriteByte(' ')
			}
			continue
		}

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == '/' && i+1 < len(content) {
			next := content[i+1]
			if next == '/' {
				lineComment = true
				out.WriteString("  ")
				i++
				continue
			}
			if next == '*' {
				blockComment = true
				out.WriteString("  ")
				i++
				continue
			}
		}

		out.WriteByte(ch)
	}

	if blockComment {
		return "", fmt.Errorf("unterminated block comment in JSONC")
	}

	return out.String(), nil
}

func stripJSONCTrailingCommas(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == ',' {
			j := i + 1
			for j < len(content) && isJSONWhitespace(content[j]) {
				j++
			}
			if j < len(content) && (content[j] == '}' || content[j] == ']') {
				continue
			}
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func isJSONWhitespace(ch byte) bool {
	switch ch {
	case ' ', '\n', '\r', '\t':
		return true
	default:
		return false
	}
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	var extra struct{}
	err := decoder.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("multiple JSON values are not allowed")
	}
	return err
}

func wrapJSONDecodeError(content string, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := offsetToLineCol(content, syntaxErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := offsetToLineCol(content, typeErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	return err
}

func offsetToLineCol(content string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}

	limit := int(offset)
	if limit > len(content) {
		limit = len(content)
	}

	line := 1
	col := 1
	for i := 0; i < limit-1; i++ {
		if content[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
