package examples

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"modhost/pkg/command"
	"modhost/pkg/plugin"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

const defaultStartBalance = 100

// Economy keeps a balance per player. Payments greet the recipient through
// the greeter plugin.
type Economy struct {
	mu           sync.Mutex
	host         plugin.Host
	currency     string
	startBalance int
	balances     map[string]int
}

func NewEconomy() *Economy {
	return &Economy{}
}

func (e *Economy) Metadata() plugin.PluginMetadata {
	return plugin.PluginMetadata{
		Title:       "economy",
		Version:     "0.4.1",
		Author:      "modhost",
		Description: "Player balances and payments",
		Requires:    []string{"greeter"},
	}
}

func (e *Economy) CollectMethods(reg *plugin.MethodRegistry) error {
	for name, m := range map[string]plugin.Method{
		"Balance":        plugin.Func1(e.Balance),
		"Deposit":        plugin.Func2(e.Deposit),
		"Currency":       plugin.Func0(e.Currency),
		"PayCommand":     plugin.Func1(e.payCommand),
		"BalanceCommand": plugin.Func1(e.balanceCommand),
	} {
		if err := reg.Register(name, m); err != nil {
			return err
		}
	}
	return nil
}

func (e *Economy) OnEnable(ctx context.Context, host plugin.Host) error {
	start, err := plugin.GetConfig[int](ctx, host, "start_balance")
	var mismatch *plugin.TypeMismatchError
	switch {
	case errors.As(err, &mismatch):
		return fmt.Errorf("start_balance: %w", err)
	case err != nil:
		start = defaultStartBalance
	}
	if start < 0 {
		return fmt.Errorf("start_balance must not be negative, got %d", start)
	}

	e.mu.Lock()
	e.host = host
	e.currency = configOr(ctx, host, "currency", "coins")
	e.startBalance = start
	e.balances = make(map[string]int)
	e.mu.Unlock()

	commands := host.Commands()
	if commands == nil {
		return nil
	}
	title := host.Metadata().Title
	for _, spec := range []plugin.CommandSpec{
		{Name: "pay", Aliases: []string{"give"}, Permission: "economy:pay", Method: "PayCommand",
			Usage: "/pay <player> <amount>"},
		{Name: "balance", Aliases: []string{"bal"}, Method: "BalanceCommand", Usage: "/balance [player]"},
	} {
		if err := commands.Register(title, spec); err != nil {
			return err
		}
	}
	return nil
}

func (e *Economy) OnPluginsLoaded(ctx context.Context) {
	e.mu.Lock()
	host := e.host
	e.mu.Unlock()
	if host == nil || host.Plugins() == nil {
		return
	}
	if _, ok := host.Plugins().Lookup("greeter"); !ok {
		host.Logger().Warn("greeter not available, payments will not greet", "plugin", "economy")
	}
}

func (e *Economy) OnDisable(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.host = nil
	return nil
}

func (e *Economy) Currency(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currency, nil
}

func (e *Economy) Balance(ctx context.Context, player string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balanceLocked(player), nil
}

func (e *Economy) balanceLocked(player string) int {
	if b, ok := e.balances[player]; ok {
		return b
	}
	return e.startBalance
}

// Deposit adds amount to player's balance and returns the new balance.
func (e *Economy) Deposit(ctx context.Context, player string, amount int) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[player] = e.balanceLocked(player) + amount
	return e.balances[player], nil
}

// Transfer moves amount from one player to another.
func (e *Economy) Transfer(ctx context.Context, from, to string, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	balance := e.balanceLocked(from)
	if balance < amount {
		return fmt.Errorf("%w: %s has %d", ErrInsufficientFunds, from, balance)
	}
	e.balances[from] = balance - amount
	e.balances[to] = e.balanceLocked(to) + amount
	return nil
}

func (e *Economy) payCommand(ctx context.Context, inv *command.Invocation) (string, error) {
	if len(inv.Args) != 2 {
		return "", errors.New("usage: /pay <player> <amount>")
	}
	to := inv.Args[0]
	amount, err := strconv.Atoi(inv.Args[1])
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAmount, inv.Args[1])
	}
	if err := e.Transfer(ctx, inv.Identity.Username, to, amount); err != nil {
		return "", err
	}

	e.mu.Lock()
	host, currency := e.host, e.currency
	e.mu.Unlock()

	msg := fmt.Sprintf("paid %d %s to %s", amount, currency, to)
	if host == nil || host.Plugins() == nil {
		return msg, nil
	}
	if greeter, ok := host.Plugins().Lookup("greeter"); ok {
		if greeting, err := plugin.CallAs[string](ctx, greeter, "Greet", to); err == nil {
			msg += " (" + greeting + ")"
		} else {
			host.Logger().Debug("greeting failed", "plugin", "economy", "error", err)
		}
	}
	return msg, nil
}

func (e *Economy) balanceCommand(ctx context.Context, inv *command.Invocation) (string, error) {
	player := inv.Identity.Username
	if len(inv.Args) > 0 && inv.Args[0] != player {
		e.mu.Lock()
		host := e.host
		e.mu.Unlock()

		allowed := false
		if host != nil && host.Roles() != nil {
			ok, err := host.Roles().HasRole(ctx, inv.Identity.UserID, "admin")
			if err != nil {
				return "", err
			}
			allowed = ok
		}
		if !allowed {
			return "", fmt.Errorf("%w: only admins can see other balances", command.ErrForbidden)
		}
		player = inv.Args[0]
	}

	balance, err := e.Balance(ctx, player)
	if err != nil {
		return "", err
	}
	currency, _ := e.Currency(ctx)
	return fmt.Sprintf("%s has %d %s", player, balance, currency), nil
}
