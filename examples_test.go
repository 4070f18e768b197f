package main

import (
	"strings"
	"testing"

	"github.com/mjl-/sconf"

	"github.com/mjl-/spoold/spoold-"
)

func TestConfigExamples(t *testing.T) {
	for _, ex := range examples {
		var c spoold.Config
		err := sconf.Parse(strings.NewReader(ex.Get()), &c.Static)
		tcheck(t, err, "parse example "+ex.Name)
		if errs := spoold.PrepareStaticConfig(ctxbg, pkglog, &c); len(errs) > 0 {
			t.Fatalf("example %s: %v", ex.Name, errs)
		}
	}
}
