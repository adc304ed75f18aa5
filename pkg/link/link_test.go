package link

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedPort answers each complete command with a canned reply.
type scriptedPort struct {
	mu      sync.Mutex
	replies map[string]string
	pending bytes.Buffer
	out     bytes.Buffer
	writes  [][]byte
	resets  int
	closed  bool
	onWrite func(b byte)
}

func newScriptedPort(replies map[string]string) *scriptedPort {
	return &scriptedPort{replies: replies}
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	for _, c := range b {
		if p.onWrite != nil {
			p.onWrite(c)
		}
		if c == Terminator {
			cmd := p.pending.String()
			p.pending.Reset()
			p.out.WriteString(p.replies[cmd])
			continue
		}
		p.pending.WriteByte(c)
	}
	return len(b), nil
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out.Len() == 0 {
		return 0, nil // read timeout
	}
	return p.out.Read(b)
}

func (p *scriptedPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	p.out.Reset()
	return nil
}

func (p *scriptedPort) SetReadTimeout(time.Duration) error { return nil }

func (p *scriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestSend_PacesEveryCharacter(t *testing.T) {
	port := newScriptedPort(map[string]string{"f!45000": "ok\r\n"})
	var sleeps []time.Duration
	l := New(port, WithCharDelay(10*time.Millisecond), WithSleep(func(d time.Duration) {
		sleeps = append(sleeps, d)
	}))

	reply, err := l.Send("f!45000", Line)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(reply))

	// One write per character, terminated by '\r'
	require.Len(t, port.writes, len("f!45000")+1)
	for _, w := range port.writes {
		assert.Len(t, w, 1)
	}
	assert.Equal(t, []byte{Terminator}, port.writes[len(port.writes)-1])

	// A delay before every character but the first
	assert.Len(t, sleeps, len("f!45000"))
	for _, d := range sleeps {
		assert.Equal(t, 10*time.Millisecond, d)
	}
	assert.Equal(t, 1, port.resets)
}

func TestSend_LineFraming(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"crlf", "on\r\n", "on"},
		{"lfcr", "off\n\r", "off"},
		{"unterminated", "45000", "45000"},
		{"leading terminator", "\r\n1\r\n", "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := newScriptedPort(map[string]string{"cmd": tt.reply})
			l := New(port, WithCharDelay(0))

			reply, err := l.Send("cmd", Line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(reply))
		})
	}
}

func TestSend_NoReply(t *testing.T) {
	port := newScriptedPort(nil)
	l := New(port, WithCharDelay(0))

	reply, err := l.Send("~", Line)
	assert.Nil(t, reply)
	assert.True(t, errors.Is(err, ErrNoReply))
	assert.Equal(t, int64(1), l.Stats().NoReplies)
}

func TestSend_BlockStripsSentinel(t *testing.T) {
	block := "1.00,45000,1,0.1,200.0,-200.0,10.0,-10.0, 1, 0.0, 0.0\n\r2.00,45000,1,0.1,201.0,-201.0,10.0,-10.0, 1, 0.0, 0.0\n\r"
	port := newScriptedPort(map[string]string{"l?": block + "#"})
	l := New(port, WithCharDelay(0))

	reply, err := l.Send("l?", Block)
	require.NoError(t, err)
	assert.Equal(t, block, string(reply))
	assert.NotContains(t, string(reply), "#")
}

func TestSend_BlockWithoutSentinel(t *testing.T) {
	port := newScriptedPort(map[string]string{"l?": "1.00,45000"})
	l := New(port, WithCharDelay(0))

	reply, err := l.Send("l?", Block)
	assert.True(t, errors.Is(err, ErrUnterminated))
	assert.Equal(t, "1.00,45000", string(reply))
}

func TestSend_NoReplyFramingDoesNotRead(t *testing.T) {
	port := newScriptedPort(map[string]string{"q": "stray"})
	l := New(port, WithCharDelay(0))

	reply, err := l.Send("q", NoReply)
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestSend_DiscardsStaleInput(t *testing.T) {
	port := newScriptedPort(map[string]string{"p?hv": "on\r\n"})
	port.out.WriteString("0\r\n") // echo left over from a previous no-reply command
	l := New(port, WithCharDelay(0))

	reply, err := l.Send("p?hv", Line)
	require.NoError(t, err)
	assert.Equal(t, "on", string(reply))
}

func TestSend_Closed(t *testing.T) {
	port := newScriptedPort(nil)
	l := New(port, WithCharDelay(0))

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.True(t, port.closed)

	_, err := l.Send("q", NoReply)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestSend_ExchangesDoNotInterleave(t *testing.T) {
	port := newScriptedPort(map[string]string{
		"p?3.3": "on\r\n",
		"f?":    "45000\r\n",
	})

	// Record the order in which bytes reach the wire
	var (
		wireMu sync.Mutex
		wire   strings.Builder
	)
	port.onWrite = func(b byte) {
		wireMu.Lock()
		wire.WriteByte(b)
		wireMu.Unlock()
	}

	l := New(port, WithCharDelay(time.Millisecond))

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 10 {
				reply, err := l.Send("p?3.3", Line)
				assert.NoError(t, err)
				assert.Equal(t, "on", string(reply))
			}
		}()
		go func() {
			defer wg.Done()
			for range 10 {
				reply, err := l.Send("f?", Line)
				assert.NoError(t, err)
				assert.Equal(t, "45000", string(reply))
			}
		}()
	}
	wg.Wait()

	commands := strings.Split(strings.TrimSuffix(wire.String(), "\r"), "\r")
	require.Len(t, commands, 40)
	for _, cmd := range commands {
		assert.Contains(t, []string{"p?3.3", "f?"}, cmd)
	}
	assert.Equal(t, int64(40), l.Stats().Commands)
}

func TestFraming_String(t *testing.T) {
	assert.Equal(t, "none", NoReply.String())
	assert.Equal(t, "line", Line.String())
	assert.Equal(t, "block", Block.String())
	assert.Equal(t, "framing(7)", Framing(7).String())
}
