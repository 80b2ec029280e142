/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"
	"unsafe"
)

type logger struct {
	name      string
	out       atomic.Pointer[output]
	callDepth int
}

type output struct {
	w io.Writer
}

func newLogger(name string, out io.Writer, callDepth int) *logger {
	l := &logger{name: name, callDepth: callDepth}
	l.out.Store(&output{w: out})
	return l
}

var (
	internalLogger = newLogger("", os.Stdout, 3)
	level          int32

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

// Log levels accepted by SetLogLevel and FASTPUB_LOG_LEVEL.
const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

func init() {
	level = LevelWarn
	if os.Getenv("FASTPUB_LOG_LEVEL") != "" {
		if n, err := strconv.Atoi(os.Getenv("FASTPUB_LOG_LEVEL")); err == nil {
			if n >= LevelTrace && n <= LevelNoPrint {
				level = int32(n)
			}
		}
	}
}

// SetLogLevel used to change the internal logger's level and the default level is Warning.
// The process env `FASTPUB_LOG_LEVEL` also could set log level
func SetLogLevel(l int) {
	if l >= LevelTrace && l <= LevelNoPrint {
		atomic.StoreInt32(&level, int32(l))
	}
}

// SetLogOutput redirects the internal logger. A nil writer restores stdout.
func SetLogOutput(out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	internalLogger.out.Store(&output{w: out})
}

func enabled(l int) bool {
	return int(atomic.LoadInt32(&level)) <= l
}

func (l *logger) logf(lv int, format string, a ...interface{}) {
	if !enabled(lv) {
		return
	}
	if _, err := fmt.Fprintf(l.out.Load().w, l.prefix(lv)+format+reset+"\n", a...); err != nil {
		fmt.Fprintf(os.Stderr, "logger write failed: %v\n", err)
	}
}

func (l *logger) errorf(format string, a ...interface{}) { l.logf(LevelError, format, a...) }
func (l *logger) warnf(format string, a ...interface{})  { l.logf(LevelWarn, format, a...) }
func (l *logger) infof(format string, a ...interface{})  { l.logf(LevelInfo, format, a...) }
func (l *logger) debugf(format string, a ...interface{}) { l.logf(LevelDebug, format, a...) }
func (l *logger) tracef(format string, a ...interface{}) { l.logf(LevelTrace, format, a...) }

func (l *logger) prefix(level int) string {
	var buffer [64]byte
	buf := bytes.NewBuffer(buffer[:0])
	_, _ = buf.WriteString(colors[level])
	_, _ = buf.WriteString(levelName[level])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.name)
	_ = buf.WriteByte(' ')
	return buf.String()
}

func (l *logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}

// DebugSegmentDetail prints the header and slot table of the segment file at
// path. It reads a private copy, so the figures are a racy snapshot.
func DebugSegmentDetail(path string) {
	mem, err := os.ReadFile(path)
	if err != nil {
		fmt.Println(err)
		return
	}
	if len(mem) < HeaderSize {
		fmt.Printf("path:%s too small for a segment header: %d bytes\n", path, len(mem))
		return
	}
	h := (*segmentHeader)(unsafe.Pointer(&mem[0]))
	fmt.Printf("path:%s magic:%#x version:%d bufferSize:%d slots:%d capacity:%d stride:%d total:%d publisher:%d\n",
		path, h.magic, h.version, h.bufferSize, h.slotCount, h.subscriberCapacity, h.slotStride, h.totalSize, h.publisherPID)
	fmt.Printf("current:%s next:%s freeHead:%s free:%d commits:%d updateSeq:%d waiters:%d\n",
		slotName(h.current), slotName(h.next), slotName(h.freeHead), h.freeCount, h.commits, h.update.Sequence(), h.update.Waiters())
	for i := uint32(0); i < h.slotCount; i++ {
		off := uint64(HeaderSize) + uint64(i)*uint64(h.slotStride)
		if off+SlotHeaderSize > uint64(len(mem)) {
			fmt.Printf("slot %d beyond end of file\n", i)
			return
		}
		s := (*slotHeader)(unsafe.Pointer(&mem[off]))
		fmt.Printf("slot %d refcount:%d nextFree:%s sequence:%d\n", i, s.refcount, slotName(s.nextFree), s.sequence)
	}
}

func slotName(i uint32) string {
	if i == noSlot {
		return "none"
	}
	return strconv.FormatUint(uint64(i), 10)
}
