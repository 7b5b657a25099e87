package recipe

import (
	"maps"

	"github.com/agent462/shellpool/internal/config"
)

var builtins = map[string]config.Recipe{
	"uptime": {
		Description: "Show uptime and load averages",
		Steps:       []string{"uptime"},
	},
	"disk": {
		Description: "Root and data filesystem usage",
		Steps:       []string{"df -hP / /var 2>/dev/null || df -hP /"},
	},
	"reboot-required": {
		Description: "Hosts waiting for a reboot, with the packages that asked for it",
		Steps: []string{
			`test ! -f /var/run/reboot-required`,
			"@failed cat /var/run/reboot-required.pkgs 2>/dev/null || true",
		},
	},
	"sshd": {
		Description: "Check sshd, then show status where it differs",
		Steps: []string{
			"systemctl is-active sshd 2>/dev/null || systemctl is-active ssh",
			"@differs,@failed systemctl status sshd --no-pager -n 5 2>/dev/null || systemctl status ssh --no-pager -n 5",
		},
	},
	"os-release": {
		Description: "Distribution and kernel across the fleet",
		Steps: []string{
			`. /etc/os-release 2>/dev/null && echo "$PRETTY_NAME $(uname -r)" || uname -sr`,
		},
	},
	"time-sync": {
		Description: "Clock synchronisation status",
		Steps: []string{
			"timedatectl show -p NTPSynchronized --value",
			"@differs timedatectl timesync-status 2>/dev/null || chronyc tracking",
		},
	},
}

// Builtins returns the recipes shipped with shellpool.
func Builtins() map[string]config.Recipe {
	return maps.Clone(builtins)
}

// Lookup finds a recipe by name. Recipes in cfg shadow built-ins of the same
// name.
func Lookup(name string, cfg *config.Config) (config.Recipe, bool) {
	if cfg != nil {
		if r, ok := cfg.Recipes[name]; ok {
			return r, true
		}
	}
	r, ok := builtins[name]
	return r, ok
}

// All returns built-in and configured recipes merged, configured ones winning.
func All(cfg *config.Config) map[string]config.Recipe {
	all := Builtins()
	if cfg != nil {
		maps.Copy(all, cfg.Recipes)
	}
	return all
}
