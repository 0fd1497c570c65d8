// Command taskctl manages MicroTaskHub users and tasks through the gateway,
// with the same rules as the browser client.
//
//	taskctl [-gateway URL] [-token-file PATH] <command> [flags] [id]
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"microtaskhub/internal/client"
	"microtaskhub/internal/models"
	"microtaskhub/internal/observability/logging"
)

const usage = `usage: taskctl [-gateway URL] [-token-file PATH] <command> [flags] [id]

commands:
  login        -username NAME [-password SECRET]
  logout
  users
  tasks
  user-create  -email ADDR -name NAME [-role member|manager]
  user-update  [-email ADDR] [-name NAME] [-role ROLE] ID
  user-delete  [-yes] ID
  task-create  -title TEXT -assignee ID [-description TEXT] [-due YYYY-MM-DD] [-status STATUS]
  task-update  [-title TEXT] [-description TEXT] [-due YYYY-MM-DD] [-status STATUS] ID
  task-delete  [-yes] ID
`

type app struct {
	client *client.Client
	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer
	title  cases.Caser
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("taskctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	gatewayURL := global.String("gateway", envOr("TASKCTL_GATEWAY", "http://localhost:3000"), "gateway base URL")
	tokenFile := global.String("token-file", envOr("TASKCTL_TOKEN_FILE", defaultTokenFile()), "where the session token is kept")
	verbose := global.Bool("v", false, "log gateway calls to stderr")
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		global.Usage()
		return 2
	}

	level := "error"
	if *verbose {
		level = "debug"
	}
	c, err := client.New(client.Options{
		BaseURL: *gatewayURL,
		Tokens:  client.FileTokenStore{Path: *tokenFile},
		Logger:  logging.New(logging.Config{Level: level, Format: "text", Writer: stderr}),
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	a := &app{
		client: c,
		in:     bufio.NewReader(stdin),
		out:    stdout,
		errOut: stderr,
		title:  cases.Title(language.English),
	}

	command, rest := global.Arg(0), global.Args()[1:]
	if err := a.dispatch(ctx, command, rest); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		var usageErr usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintln(stderr, usageErr.Error())
			return 2
		}
		fmt.Fprintln(stderr, client.Message(err))
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string { return string(e) }

func (a *app) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "login":
		return a.login(ctx, args)
	case "logout":
		if err := a.client.Logout(); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Signed out")
		return nil
	}

	if !a.client.Authenticated() {
		return errors.New(client.MessageSignIn)
	}

	switch command {
	case "users":
		return a.listUsers(ctx)
	case "tasks":
		return a.listTasks(ctx)
	case "user-create":
		return a.createUser(ctx, args)
	case "user-update":
		return a.updateUser(ctx, args)
	case "user-delete":
		return a.deleteUser(ctx, args)
	case "task-create":
		return a.createTask(ctx, args)
	case "task-update":
		return a.updateTask(ctx, args)
	case "task-delete":
		return a.deleteTask(ctx, args)
	default:
		return usageError(fmt.Sprintf("unknown command %q\n%s", command, usage))
	}
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := a.flagSet("login")
	username := fs.String("username", os.Getenv("TASKCTL_USERNAME"), "gateway username")
	password := fs.String("password", os.Getenv("TASKCTL_PASSWORD"), "gateway password (prompted when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*username) == "" {
		return usageError("login requires -username")
	}
	if *password == "" {
		fmt.Fprint(a.out, "Password: ")
		line, err := a.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read password: %w", err)
		}
		*password = strings.TrimRight(line, "\r\n")
	}
	if err := a.client.Login(ctx, *username, *password); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Signed in")
	return nil
}

func (a *app) listUsers(ctx context.Context) error {
	users, err := a.client.LoadUsers(ctx)
	if err != nil {
		return err
	}
	a.printUsers(users)
	return nil
}

func (a *app) listTasks(ctx context.Context) error {
	tasks, err := a.client.LoadTasks(ctx)
	if err != nil {
		return err
	}
	a.printTasks(tasks)
	return nil
}

func (a *app) createUser(ctx context.Context, args []string) error {
	fs := a.flagSet("user-create")
	email := fs.String("email", "", "email address")
	name := fs.String("name", "", "full name")
	role := fs.String("role", string(models.RoleMember), "member or manager")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := a.client.CreateUser(ctx, models.UserCreate{
		Email:    *email,
		FullName: *name,
		Role:     models.Role(strings.ToLower(strings.TrimSpace(*role))),
	}); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "User created")
	a.printUsers(a.client.Users())
	return nil
}

func (a *app) updateUser(ctx context.Context, args []string) error {
	fs := a.flagSet("user-update")
	email := fs.String("email", "", "new email address")
	name := fs.String("name", "", "new full name")
	role := fs.String("role", "", "new role")
	id, err := parseWithID(fs, args)
	if err != nil {
		return err
	}
	if _, err := a.client.LoadUsers(ctx); err != nil {
		return err
	}
	current, err := a.client.CachedUser(id)
	if err != nil {
		return err
	}
	update, err := client.UserChanges(current, *email, *name, *role)
	if err != nil {
		return err
	}
	if _, err := a.client.UpdateUser(ctx, id, update); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "User updated")
	return nil
}

func (a *app) deleteUser(ctx context.Context, args []string) error {
	fs := a.flagSet("user-delete")
	yes := fs.Bool("yes", false, "skip confirmation")
	id, err := parseWithID(fs, args)
	if err != nil {
		return err
	}
	if !*yes && !a.confirm("Delete this user? Users with in-progress tasks cannot be deleted.") {
		return nil
	}
	if err := a.client.DeleteUser(ctx, id); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "User deleted")
	return nil
}

func (a *app) createTask(ctx context.Context, args []string) error {
	fs := a.flagSet("task-create")
	title := fs.String("title", "", "task title")
	description := fs.String("description", "", "optional description")
	due := fs.String("due", "", "optional due date (YYYY-MM-DD)")
	status := fs.String("status", string(models.StatusTodo), "todo, in_progress or done")
	assignee := fs.String("assignee", "", "assignee user ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	// Unknown statuses fall through to validation so the assignee is checked first.
	parsed, ok := models.ParseTaskStatus(*status)
	if !ok {
		parsed = models.TaskStatus(*status)
	}
	if _, err := a.client.CreateTask(ctx, models.TaskCreate{
		Title:       *title,
		Description: *description,
		DueDate:     *due,
		Status:      parsed,
		AssigneeID:  *assignee,
	}); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Task created")
	a.printTasks(a.client.Tasks())
	return nil
}

func (a *app) updateTask(ctx context.Context, args []string) error {
	fs := a.flagSet("task-update")
	title := fs.String("title", "", "new title")
	description := fs.String("description", "", "new description (empty clears)")
	due := fs.String("due", "", "new due date (empty clears)")
	status := fs.String("status", "", "new status")
	id, err := parseWithID(fs, args)
	if err != nil {
		return err
	}
	if _, err := a.client.LoadTasks(ctx); err != nil {
		return err
	}
	current, err := a.client.CachedTask(id)
	if err != nil {
		return err
	}

	// Flags left off keep the current value; passing -due "" clears it.
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if !set["description"] {
		*description = current.DescriptionOrEmpty()
	}
	if !set["due"] {
		*due = current.DueDateOrEmpty()
	}

	update, err := client.TaskChanges(current, *title, *description, *due, *status)
	if err != nil {
		return err
	}
	if _, err := a.client.UpdateTask(ctx, id, update); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Task updated")
	return nil
}

func (a *app) deleteTask(ctx context.Context, args []string) error {
	fs := a.flagSet("task-delete")
	yes := fs.Bool("yes", false, "skip confirmation")
	id, err := parseWithID(fs, args)
	if err != nil {
		return err
	}
	if !*yes && !a.confirm("Delete this task? Only tasks marked as done can be deleted.") {
		return nil
	}
	if err := a.client.DeleteTask(ctx, id); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Task deleted")
	return nil
}

func (a *app) printUsers(users []models.User) {
	if len(users) == 0 {
		fmt.Fprintln(a.out, "No users yet.")
		return
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tEMAIL\tROLE")
	for _, u := range users {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.ID, u.FullName, u.Email, a.title.String(string(u.Role)))
	}
	_ = tw.Flush()
}

func (a *app) printTasks(tasks []models.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(a.out, "No tasks yet. Create one!")
		return
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tSTATUS\tDUE\tASSIGNEE\tDESCRIPTION")
	for _, t := range tasks {
		due := t.DueDateOrEmpty()
		if due == "" {
			due = "Not set"
		}
		assignee := "Unknown"
		if t.Assignee != nil {
			assignee = t.Assignee.FullName
		}
		description := t.DescriptionOrEmpty()
		if description == "" {
			description = "No description"
		}
		status := a.title.String(strings.ReplaceAll(string(t.Status), "_", " "))
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.Title, status, due, assignee, description)
	}
	_ = tw.Flush()
}

func (a *app) confirm(question string) bool {
	fmt.Fprintf(a.out, "%s [y/N] ", question)
	line, _ := a.in.ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func (a *app) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	return fs
}

// parseWithID parses flags followed by exactly one UUID argument.
func parseWithID(fs *flag.FlagSet, args []string) (uuid.UUID, error) {
	if err := fs.Parse(args); err != nil {
		return uuid.Nil, err
	}
	if fs.NArg() != 1 {
		return uuid.Nil, usageError(fmt.Sprintf("%s requires exactly one ID", fs.Name()))
	}
	id, err := uuid.Parse(fs.Arg(0))
	if err != nil {
		return uuid.Nil, usageError(fmt.Sprintf("invalid ID %q", fs.Arg(0)))
	}
	return id, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".taskctl-token"
	}
	return filepath.Join(dir, "microtaskhub", "token")
}
