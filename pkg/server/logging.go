package server

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// InitLogging sets up errors.log, the rotating server.log and, when enabled,
// debug.log in cfg.LogDir. The returned function closes the log files.
func InitLogging(cfg ServerConfig) (func() error, error) {
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Error log goes to stderr and errors.log
	errorFile, err := os.OpenFile(filepath.Join(cfg.LogDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, err
	}

	// Write startup marker to errors.log (for distinguishing between runs)
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		errorFile.Close()
		return nil, err
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Standard log (operational lines) goes to server.log; the console
	// prints its own styled copy to stdout
	serverLog := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "server.log"),
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		LocalTime:  true,
	}
	log.SetOutput(serverLog)

	closers := []io.Closer{errorFile, serverLog}

	if cfg.Debug {
		debugFile, err := os.OpenFile(filepath.Join(cfg.LogDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			errorFile.Close()
			serverLog.Close()
			return nil, err
		}
		debugLog = log.New(debugFile, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
		debugLog.Println("Debug logging enabled")
		closers = append(closers, debugFile)
	}

	return func() error {
		var firstErr error
		for _, c := range closers {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}, nil
}

// LogCategory classifies a console line
type LogCategory int

const (
	LogInfo LogCategory = iota
	LogConnection
	LogDisconnection
	LogRegistration
	LogFileCreation
	LogError
	LogWrongData
	LogServerState
)

func (c LogCategory) String() string {
	switch c {
	case LogInfo:
		return "Info"
	case LogConnection:
		return "Connection"
	case LogDisconnection:
		return "Disconnection"
	case LogRegistration:
		return "Registration"
	case LogFileCreation:
		return "File creation"
	case LogError:
		return "Error"
	case LogWrongData:
		return "Wrong data"
	case LogServerState:
		return "Server state"
	default:
		return fmt.Sprintf("LogCategory(%d)", int(c))
	}
}

// ANSI color per category
var categoryColors = map[LogCategory]lipgloss.Color{
	LogConnection:    lipgloss.Color("2"),
	LogDisconnection: lipgloss.Color("6"),
	LogRegistration:  lipgloss.Color("3"),
	LogFileCreation:  lipgloss.Color("4"),
	LogError:         lipgloss.Color("1"),
	LogWrongData:     lipgloss.Color("5"),
	LogServerState:   lipgloss.Color("2"),
}

// Console prints categorized operational lines. Every line also goes to the
// standard logger (server.log) without styling.
type Console struct {
	mu      sync.Mutex
	out     io.Writer
	colored bool
	styles  map[LogCategory]lipgloss.Style
}

// NewConsole creates a console writing to out; a nil out only logs to the standard logger
func NewConsole(out io.Writer, colored bool) *Console {
	c := &Console{
		out:     out,
		colored: colored,
		styles:  make(map[LogCategory]lipgloss.Style, len(categoryColors)),
	}
	if out != nil && colored {
		renderer := lipgloss.NewRenderer(out)
		for cat, color := range categoryColors {
			c.styles[cat] = renderer.NewStyle().Foreground(color)
		}
		c.styles[LogServerState] = c.styles[LogServerState].Bold(true)
	}
	return c
}

// Printf formats and prints a line in the given category
func (c *Console) Printf(cat LogCategory, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[%s] %s", cat, msg)

	if c == nil || c.out == nil {
		return
	}

	line := fmt.Sprintf("%s [%s] %s", time.Now().Format("15:04:05"), cat, msg)
	if style, ok := c.styles[cat]; ok {
		line = style.Render(line)
	}

	c.mu.Lock()
	fmt.Fprintln(c.out, line)
	c.mu.Unlock()
}
