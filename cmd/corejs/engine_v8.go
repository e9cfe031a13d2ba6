//go:build v8

package main

import (
	"github.com/cryguy/corejs"
	"github.com/cryguy/corejs/engine/v8engine"
)

func engineFactory() corejs.EngineFactory { return v8engine.New }

const engineDescription = "tommie/v8go"
