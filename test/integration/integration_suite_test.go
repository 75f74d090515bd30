// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

//go:build integration

// Package integration provides end-to-end tests for the Toybox plugin host.
package integration

import (
	"testing"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/toybox/toybox/internal/plugin/capability"
	"github.com/toybox/toybox/internal/plugin/hostfunc"
	pluginlua "github.com/toybox/toybox/internal/plugin/lua"
	pluginpkg "github.com/toybox/toybox/pkg/plugin"
)

func TestIntegration(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Integration Suite")
}

// Static modules registered for the whole suite.
const (
	recorderModule = "it-recorder"
	journalModule  = "it-journal"
)

var (
	recorder *recorderPlugin
	journal  *journalPlugin
)

var _ = BeforeSuite(func() {
	recorder = &recorderPlugin{}
	journal = &journalPlugin{}
	Expect(pluginpkg.Register(recorderModule, func(*pluginpkg.Host) (pluginpkg.Plugin, error) {
		recorder.loads.Add(1)
		return recorder, nil
	}, nil)).To(Succeed())
	Expect(pluginpkg.Register(journalModule, func(*pluginpkg.Host) (pluginpkg.Plugin, error) {
		return journal, nil
	}, nil)).To(Succeed())

	pluginlua.NewRuntime(nil, hostfunc.New(capability.NewEnforcer())).Install()
})

var _ = AfterSuite(func() {
	pluginpkg.Deregister(recorderModule)
	pluginpkg.Deregister(journalModule)
})
