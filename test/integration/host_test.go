// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

//go:build integration

package integration

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/toybox/toybox/internal/bus"
	"github.com/toybox/toybox/internal/logging"
	hostplugin "github.com/toybox/toybox/internal/plugin"
	"github.com/toybox/toybox/pkg/message"
	pluginpkg "github.com/toybox/toybox/pkg/plugin"
)

// recorderPlugin is a static plugin that records what it sees on the bus.
type recorderPlugin struct {
	mu       sync.Mutex
	loads    atomic.Int32
	events   []string
	loaded   []string
	unloaded []string
}

func (r *recorderPlugin) Name() string { return "recorder" }

func (r *recorderPlugin) OnMessage(m message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev := m.(type) {
	case *pluginpkg.ScriptEvent:
		r.events = append(r.events, ev.Source+":"+ev.Name)
	case *pluginpkg.PluginLoadedEvent:
		r.loaded = append(r.loaded, ev.Manifest.Name)
	case *pluginpkg.PluginUnloadedEvent:
		r.unloaded = append(r.unloaded, ev.Manifest.Name)
	}
}

func (r *recorderPlugin) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorderPlugin) Unloaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.unloaded...)
}

func (r *recorderPlugin) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads.Store(0)
	r.events, r.loaded, r.unloaded = nil, nil, nil
}

// journalPlugin is a static logger plugin.
type journalPlugin struct {
	mu       sync.Mutex
	messages []string
}

func (j *journalPlugin) Name() string { return "journal" }

func (j *journalPlugin) Log(_ context.Context, r slog.Record) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.messages = append(j.messages, r.Message)
}

func (j *journalPlugin) Messages() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.messages...)
}

func (j *journalPlugin) reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.messages = nil
}

const pingerScript = `
local sent = false

function on_attach()
  toybox.log("info", "pinger ready")
end

function on_update(dt)
  if not sent then
    sent = true
    toybox.post("ping", { n = 1 })
  end
end
`

const echoerScript = `
function on_message(msg)
  if msg.name == "ping" then
    toybox.post("pong", { n = msg.data.n + 1 })
    return true
  end
  return false
end
`

func writePlugin(dir, name, manifest string, files map[string]string) {
	GinkgoHelper()
	pluginDir := filepath.Join(dir, name)
	Expect(os.MkdirAll(pluginDir, 0o750)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(pluginDir, name+".meta"), []byte(manifest), 0o600)).To(Succeed())
	for file, content := range files {
		Expect(os.WriteFile(filepath.Join(pluginDir, file), []byte(content), 0o600)).To(Succeed())
	}
}

var _ = Describe("Plugin host", func() {
	var (
		dir         string
		coordinator *bus.Coordinator
		server      *hostplugin.Server
		ctx         context.Context
	)

	tick := func() {
		server.Update(16 * time.Millisecond)
		coordinator.Process()
	}

	BeforeEach(func() {
		recorder.reset()
		journal.reset()
		ctx = context.Background()
		dir = GinkgoT().TempDir()

		writePlugin(dir, "journal",
			`{"name": "journal", "linkage": "static", "module": "`+journalModule+`", "type": "logger"}`, nil)
		writePlugin(dir, "recorder",
			`{"name": "recorder", "version": "2.1.0", "linkage": "static", "module": "`+recorderModule+`"}`, nil)
		writePlugin(dir, "pinger",
			`{"name": "pinger", "linkage": "lua", "dependencies": ["recorder@^2.0"], "capabilities": ["bus.post"]}`,
			map[string]string{"pinger.lua": pingerScript})
		writePlugin(dir, "echoer",
			`{"name": "echoer", "linkage": "lua", "dependencies": ["pinger"], "capabilities": ["bus.*"]}`,
			map[string]string{"echoer.lua": echoerScript})

		sink := logging.NewPluginSink(slog.LevelInfo)
		logger := logging.Setup("toybox-it", "test", "text", GinkgoWriter,
			logging.WithLevel(slog.LevelDebug),
			logging.WithSink(sink))
		coordinator = bus.New(bus.WithLogger(logger))
		server = hostplugin.NewServer(hostplugin.ServerConfig{Dir: dir},
			hostplugin.WithDispatcher(coordinator),
			hostplugin.WithLogger(logger),
			hostplugin.WithLogSink(sink))
	})

	AfterEach(func() {
		Expect(server.Unload(ctx)).To(Succeed())
		coordinator.Clear()
	})

	Describe("Load", func() {
		It("loads loggers first and then follows dependencies", func() {
			Expect(server.Load(ctx)).To(Succeed())

			var names []string
			for _, p := range server.Plugins() {
				names = append(names, p.Name())
			}
			Expect(names).To(Equal([]string{"journal", "recorder", "pinger", "echoer"}))
			Expect(server.Ready()).To(BeTrue())
			Expect(recorder.loads.Load()).To(Equal(int32(1)))
		})

		It("forwards plugin logs to logger plugins", func() {
			Expect(server.Load(ctx)).To(Succeed())
			Expect(journal.Messages()).To(ContainElement("pinger ready"))
		})

		It("loads only what was requested and its dependencies", func() {
			server = hostplugin.NewServer(hostplugin.ServerConfig{Dir: dir, Requested: []string{"pinger"}},
				hostplugin.WithDispatcher(coordinator))
			Expect(server.Load(ctx)).To(Succeed())

			_, ok := server.Get("echoer")
			Expect(ok).To(BeFalse())
			_, ok = server.Get("recorder")
			Expect(ok).To(BeTrue())
		})

		It("skips plugins whose dependency is too old", func() {
			writePlugin(dir, "pinger",
				`{"name": "pinger", "linkage": "lua", "dependencies": ["recorder@^3.0"], "capabilities": ["bus.post"]}`,
				map[string]string{"pinger.lua": pingerScript})
			Expect(server.Load(ctx)).To(Succeed())

			_, ok := server.Get("pinger")
			Expect(ok).To(BeFalse())
			_, ok = server.Get("echoer")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Message flow", func() {
		It("carries script messages between plugins in order", func() {
			Expect(server.Load(ctx)).To(Succeed())

			Eventually(func() []string {
				tick()
				return recorder.Events()
			}).Should(Equal([]string{"pinger:ping", "echoer:pong"}))
		})

		It("completes posted messages with a result", func() {
			Expect(server.Load(ctx)).To(Succeed())

			ev := &pluginpkg.ScriptEvent{Name: "ping", Source: "test", Data: map[string]any{"n": 41}}
			future := coordinator.Post(ev)
			coordinator.Process()

			res, ok := future.Result()
			Expect(ok).To(BeTrue())
			Expect(res.Succeeded).To(BeTrue())
			Expect(recorder.Events()).To(ContainElement("test:ping"))
		})
	})

	Describe("Unload", func() {
		It("tears plugins down in reverse order with loggers last", func() {
			Expect(server.Load(ctx)).To(Succeed())
			Expect(server.Unload(ctx)).To(Succeed())

			Expect(server.Plugins()).To(BeEmpty())
			Expect(server.Ready()).To(BeFalse())
			// The recorder stops listening once it is gone itself.
			Expect(recorder.Unloaded()).To(Equal([]string{"echoer", "pinger", "recorder"}))
		})
	})

	Describe("Reload", func() {
		It("picks up changed scripts", func() {
			Expect(server.Load(ctx)).To(Succeed())
			writePlugin(dir, "pinger",
				`{"name": "pinger", "linkage": "lua", "dependencies": ["recorder"], "capabilities": ["bus.post"]}`,
				map[string]string{"pinger.lua": `
function on_update(dt)
  if not sent then
    sent = true
    toybox.post("hello")
  end
end
`})

			Expect(server.Reload(ctx)).To(Succeed())
			Expect(recorder.loads.Load()).To(Equal(int32(2)))
			Eventually(func() []string {
				tick()
				return recorder.Events()
			}).Should(ContainElement("pinger:hello"))
		})
	})
})
