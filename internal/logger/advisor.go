package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

var (
	advisorMu  sync.Mutex
	advisorLog *log.Logger
)

// SetAdvisorWriter 设置顾问请求/响应的原文落盘位置，nil 表示关闭。
func SetAdvisorWriter(w io.Writer) {
	advisorMu.Lock()
	defer advisorMu.Unlock()
	if w == nil {
		advisorLog = nil
		return
	}
	advisorLog = log.New(w, "", log.LstdFlags)
}

// LogAdvisorExchange 记录一次顾问调用的 prompt 与原始回复。
func LogAdvisorExchange(provider, prompt, reply string) {
	advisorMu.Lock()
	l := advisorLog
	advisorMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[ADVISOR]")
	if provider != "" {
		b.WriteString("[" + provider + "]")
	}
	b.WriteString("\n--- PROMPT ---\n")
	b.WriteString(prompt)
	if !strings.HasSuffix(prompt, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("--- REPLY ---\n")
	b.WriteString(reply)
	if !strings.HasSuffix(reply, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("=====\n")
	l.Print(b.String())
}
