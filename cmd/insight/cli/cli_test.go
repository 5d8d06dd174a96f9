package cli

import "testing"

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{
		"serve":  false,
		"chat":   false,
		"config": false,
		"memory": false,
		"seed":   false,
	}
	for _, cmd := range RootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestConfigSubcommands(t *testing.T) {
	for _, cmd := range RootCmd.Commands() {
		if cmd.Name() != "config" {
			continue
		}
		names := make(map[string]bool)
		for _, sub := range cmd.Commands() {
			names[sub.Name()] = true
		}
		for _, want := range []string{"set", "get", "set-key"} {
			if !names[want] {
				t.Errorf("config subcommand %q missing", want)
			}
		}
		return
	}
	t.Fatal("config command not found")
}

func TestChatFlags(t *testing.T) {
	for _, cmd := range RootCmd.Commands() {
		if cmd.Name() != "chat" {
			continue
		}
		if cmd.Flags().Lookup("interactive") == nil {
			t.Error("chat missing --interactive flag")
		}
		if cmd.Flags().Lookup("user") == nil {
			t.Error("chat missing --user flag")
		}
		return
	}
	t.Fatal("chat command not found")
}
