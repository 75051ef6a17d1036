package cli

import "github.com/alecthomas/kong"

type CLI struct {
	GenerateKey GenerateKey      `kong:"cmd,help='Generate new passport signing key.'"`
	PublicKey   PublicKey        `kong:"cmd,help='Print passport public key of this node.'"`
	Run         Run              `kong:"cmd,help='Run admission engine.'"`
	Health      Health           `kong:"cmd,help='Check engine health via public endpoint.'"`
	Intensity   Intensity        `kong:"cmd,help='Show or change defense intensity via admin API.'"`
	Version     kong.VersionFlag `kong:"help='Print version.',short='v'"`
}
