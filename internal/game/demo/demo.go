// Package demo registers the simulations that ship with the binary.
package demo

import "github.com/dweam-team/world-arcade/internal/game"

const Kind = "demo"

func init() {
	game.Register(gradientInfo, gradientSchema, NewGradient)
	game.Register(lifeInfo, lifeSchema, NewLife)
}
