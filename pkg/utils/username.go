package utils

import (
	"fmt"
	"math/rand"
)

// Word lists for generated guest usernames like "BraveWolf42".
var adjectives = []string{
	"Happy", "Sleepy", "Brave", "Clever", "Swift", "Mighty", "Gentle", "Wise", "Lucky", "Bold",
	"Silent", "Wild", "Calm", "Fierce", "Noble", "Quick", "Bright", "Dark", "Golden", "Silver",
	"Ancient", "Young", "Mystic", "Cosmic", "Thunder", "Storm", "Frost", "Fire", "Shadow", "Crimson",
	"Azure", "Jade", "Ruby", "Steel", "Iron", "Crystal", "Blazing", "Frozen", "Electric", "Loyal",
	"Royal", "Stellar", "Lunar", "Solar", "Astral", "Phantom", "Epic", "Radiant", "Shining", "Quantum",
}

var nouns = []string{
	"Panda", "Tiger", "Eagle", "Dolphin", "Fox", "Wolf", "Bear", "Hawk", "Lion", "Owl",
	"Dragon", "Phoenix", "Falcon", "Raven", "Panther", "Jaguar", "Leopard", "Cheetah", "Lynx", "Cougar",
	"Shark", "Whale", "Orca", "Kraken", "Serpent", "Viper", "Cobra", "Griffin", "Pegasus", "Unicorn",
	"Titan", "Golem", "Samurai", "Ninja", "Knight", "Paladin", "Archer", "Ranger", "Wizard", "Sage",
	"Oracle", "Guardian", "Sentinel", "Watcher", "Champion", "Hero", "Legend", "Warrior", "Ghost", "Spirit",
}

// GenerateUsername returns a random guest name for viewers who join without
// picking one.
func GenerateUsername() string {
	return fmt.Sprintf("%s%s%d",
		adjectives[rand.Intn(len(adjectives))],
		nouns[rand.Intn(len(nouns))],
		rand.Intn(99)+1,
	)
}
