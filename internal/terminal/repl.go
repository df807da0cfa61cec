package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"bv199.vn/hospital-chat/internal/core"
	"bv199.vn/hospital-chat/internal/store"
	"bv199.vn/hospital-chat/internal/utils"
)

// Session is the part of core.ChatService the REPL drives.
type Session interface {
	Current() store.Conversation
	Conversations() []store.Conversation
	Search(query string) []store.Conversation
	NewConversation() (store.Conversation, error)
	SelectConversation(id string) (store.Conversation, error)
	DeleteConversation(id string) error
	RenameConversation(id, title string) error
	StageText(text string)
	StageFiles(ctx context.Context, paths []string) ([]store.Attachment, error)
	Unstage(id string) bool
	Staged() (string, []store.Attachment)
	Send(ctx context.Context) (core.Exchange, error)
}

type Config struct {
	Session Session
	Logger  *slog.Logger
	In      io.Reader
	Out     io.Writer
}

// REPL is an interactive terminal chat over a Session.
type REPL struct {
	session  Session
	logger   *slog.Logger
	in       io.Reader
	out      io.Writer
	lastList []store.Conversation
}

func New(cfg Config) *REPL {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &REPL{session: cfg.Session, logger: cfg.Logger, in: cfg.In, out: cfg.Out}
}

const helpText = `Lệnh:
  /new                 tạo cuộc trò chuyện mới
  /list                liệt kê cuộc trò chuyện
  /open <số|id>        mở cuộc trò chuyện
  /delete [số|id]      xoá (mặc định: cuộc hiện tại)
  /rename <tiêu đề>    đổi tên cuộc hiện tại
  /search <từ khoá>    tìm theo tiêu đề và nội dung
  /attach <tệp...>     đính kèm tệp cho tin nhắn tiếp theo
  /unstage <số>        bỏ tệp đính kèm
  /history             xem lại cuộc hiện tại
  /quit                thoát`

// Run blocks until EOF, /quit or ctx is cancelled.
func (r *REPL) Run(ctx context.Context) error {
	r.printConversation(r.session.Current())
	r.printf("Gõ tin nhắn rồi nhấn Enter. /help để xem lệnh.\n")
	r.prompt()

	scanner := bufio.NewScanner(r.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			r.prompt()
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				r.printf("⚠️  %v\n", err)
			}
			if quit {
				r.logger.Info("user requested quit")
				return nil
			}
			r.prompt()
			continue
		}

		r.send(ctx, line)
		r.prompt()
	}
}

func (r *REPL) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/help":
		r.printf("%s\n", helpText)
	case "/new":
		conv, err := r.session.NewConversation()
		if err != nil {
			return false, err
		}
		r.printConversation(conv)
	case "/list":
		r.lastList = r.session.Conversations()
		r.printList(r.lastList)
	case "/search":
		r.lastList = r.session.Search(arg)
		if len(r.lastList) == 0 {
			r.printf("Không tìm thấy cuộc trò chuyện nào.\n")
			return false, nil
		}
		r.printList(r.lastList)
	case "/open":
		id, err := r.resolve(arg)
		if err != nil {
			return false, err
		}
		conv, err := r.session.SelectConversation(id)
		if err != nil {
			return false, err
		}
		r.printConversation(conv)
	case "/delete":
		id := r.session.Current().ID
		if arg != "" {
			var err error
			if id, err = r.resolve(arg); err != nil {
				return false, err
			}
		}
		if err := r.session.DeleteConversation(id); err != nil {
			return false, err
		}
		r.lastList = nil
		r.printf("Đã xoá.\n")
		r.printConversation(r.session.Current())
	case "/rename":
		if err := r.session.RenameConversation(r.session.Current().ID, arg); err != nil {
			return false, err
		}
		r.printf("Đã đổi tên thành %q.\n", strings.TrimSpace(arg))
	case "/attach":
		paths := strings.Fields(arg)
		if len(paths) == 0 {
			return false, errors.New("cần đường dẫn tệp")
		}
		added, err := r.session.StageFiles(ctx, paths)
		if err != nil {
			return false, err
		}
		for _, a := range added {
			r.printf("📎 %s (%s, %d bytes)\n", a.Name, a.Kind, a.Size)
		}
		r.printStaged()
	case "/unstage":
		_, files := r.session.Staged()
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 || n > len(files) {
			return false, fmt.Errorf("không có tệp số %q", arg)
		}
		r.session.Unstage(files[n-1].ID)
		r.printStaged()
	case "/history":
		r.printConversation(r.session.Current())
	default:
		return false, fmt.Errorf("lệnh không hợp lệ %s, gõ /help", name)
	}
	return false, nil
}

func (r *REPL) send(ctx context.Context, text string) {
	r.session.StageText(text)
	r.printf("⏳ Đang xử lý...\n")

	ex, err := r.session.Send(ctx)
	switch {
	case errors.Is(err, core.ErrEmptySubmission):
		return
	case errors.Is(err, core.ErrConversationGone):
		r.printf("⚠️  Cuộc trò chuyện đã bị xoá trước khi có phản hồi.\n")
	case err != nil:
		r.printf("⚠️  %v\n", err)
		return
	}
	r.printMessage(ex.Bot)
}

// resolve maps a list number or an id (or unique id prefix) to an id.
func (r *REPL) resolve(arg string) (string, error) {
	if arg == "" {
		return "", errors.New("cần số thứ tự hoặc id")
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if len(r.lastList) == 0 {
			r.lastList = r.session.Conversations()
		}
		if n < 1 || n > len(r.lastList) {
			return "", fmt.Errorf("không có cuộc trò chuyện số %d", n)
		}
		return r.lastList[n-1].ID, nil
	}

	var match string
	for _, c := range r.session.Conversations() {
		if c.ID == arg {
			return c.ID, nil
		}
		if strings.HasPrefix(c.ID, arg) {
			if match != "" {
				return "", fmt.Errorf("id %q không duy nhất", arg)
			}
			match = c.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("không tìm thấy %q", arg)
	}
	return match, nil
}

func (r *REPL) printList(convs []store.Conversation) {
	current := r.session.Current().ID
	for i, c := range convs {
		marker := " "
		if c.ID == current {
			marker = "*"
		}
		r.printf("%s %2d. %-50s %s  (%d tin nhắn)\n", marker, i+1, utils.Truncate(c.Title, 50),
			c.CreatedAt.Local().Format("02/01/2006 15:04"), len(c.Messages))
	}
}

func (r *REPL) printConversation(c store.Conversation) {
	r.printf("=== %s ===\n", c.Title)
	for _, m := range c.Messages {
		r.printMessage(m)
	}
}

func (r *REPL) printMessage(m store.Message) {
	who := "Bạn"
	if m.Role == store.RoleBot {
		who = "BV199"
	}
	ts := ""
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.Local().Format("15:04") + " "
	}
	r.printf("%s%s> %s\n", ts, who, m.Content)
	for _, f := range m.Files {
		r.printf("    📎 %s (%s)\n", f.Name, f.Kind)
	}
	if m.ExternalLink != "" {
		r.printf("    🔗 Xem báo cáo: %s\n", m.ExternalLink)
	}
}

func (r *REPL) printStaged() {
	_, files := r.session.Staged()
	if len(files) == 0 {
		r.printf("Không có tệp đính kèm.\n")
		return
	}
	for i, f := range files {
		r.printf("  [%d] %s\n", i+1, f.Name)
	}
}

func (r *REPL) prompt() { r.printf("Bạn> ") }

func (r *REPL) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}
