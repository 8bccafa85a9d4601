package main

import (
	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"

	"viamvisualodometry/flow"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: movementsensor.API, Model: flow.Model},
	)
}
