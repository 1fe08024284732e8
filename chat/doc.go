// Package chat is the chat-facing side of the bot.
//
// Commands holds the transport-neutral command handling (alert, remove,
// debug, join) and produces reply text. Two front ends feed it:
//   - Discord: guild slash commands via discordgo. Guild ids are the tenants
//     and /join binds a text channel for announcements.
//   - IRC: Twitch chat via go-twitch-irc. Each joined IRC channel is its own
//     tenant; "!join" makes the current channel receive announcements.
//
// Both front ends implement notify.Sender for announcements and
// onboarding.Publisher so commands only go live once onboarding has drained.
// Until then every command is answered with NotReadyReply.
package chat
